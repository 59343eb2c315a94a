// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrType     = "type"
	attrSuccess  = "success"
	attrCategory = "category"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func typeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrType, jobType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func categoryAttr(category string) attribute.KeyValue {
	return attribute.String(attrCategory, category)
}

// normalizePath replaces dynamic path segments with placeholders so
// per-job ids do not blow up metric cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		if len(path) > len(prefix) && pathHasSuffix(path, "/attempts") {
			return "/v1/jobs/{jobId}/attempts"
		}
		return "/v1/jobs/{jobId}"
	}
	return path
}

func pathHasSuffix(path, suffix string) bool {
	return len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix
}
