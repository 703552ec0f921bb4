package model

// Audit record kinds.
const (
	AuditKindVerify   = "verify"
	AuditKindValidate = "validate"
)

// AuditRecord is the persisted form of a security decision.
type AuditRecord struct {
	Kind      string   `json:"kind"`
	ChainID   uint64   `json:"chain_id"`
	Subject   string   `json:"subject"`
	Path      []string `json:"path,omitempty"`
	Level     string   `json:"level,omitempty"`
	OK        bool     `json:"ok"`
	Reason    string   `json:"reason"`
	CheckedAt string   `json:"checked_at"`
}
