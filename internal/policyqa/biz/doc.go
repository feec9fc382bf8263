// Package biz implements the query pipeline: security-trimmed
// retrieval, reciprocal rank fusion, reranking, token-budgeted context
// assembly, grounded generation and the citation guardrail.
package biz
