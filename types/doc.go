// Package types provides core types used across the personaflow service.
// This package has ZERO dependencies on other personaflow packages to avoid circular imports.
// All other packages should import types from here.
package types
