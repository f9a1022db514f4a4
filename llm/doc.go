// Package llm 定义推理后端的统一接口与请求/响应类型。
// 具体的后端实现（如 Ollama）位于子包中，编排引擎只依赖本包的 Backend 接口。
package llm
