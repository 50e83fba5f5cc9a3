// Package incident defines the canonical data model shared by every
// component: the normalized Incident, the WorkflowExecution projection,
// remediation actions, and the append-only AuditRecord.
package incident
