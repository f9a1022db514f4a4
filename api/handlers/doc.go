// Package handlers 实现 PersonaFlow HTTP 门面的请求处理器。
// 每个处理器只做请求解码、参数校验与响应编码，业务逻辑全部位于
// persona / conversation / engine / modelmgr 各包中。
package handlers
