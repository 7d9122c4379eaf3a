package models

// Record is one business entity scraped from an ERP export (a customer, a
// product, an order line, ...). The orchestration core never interprets
// Fields; it only moves records between the automation executor and the
// persistence layer.
type Record struct {
	Kind   string                 `json:"kind"`
	Key    string                 `json:"key"`
	Hash   string                 `json:"hash"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}
