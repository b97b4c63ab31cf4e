package pipeline

import (
	"fmt"
	"strings"
)

// URLID returns the deterministic id assigned to a discovered URL by its
// 1-based rank: URL_001, URL_002, ...
func URLID(rank int) string {
	return fmt.Sprintf("URL_%03d", rank)
}

// EvidenceID returns the evidence id paired with a URL rank: EVD_001, ...
func EvidenceID(rank int) string {
	return fmt.Sprintf("EVD_%03d", rank)
}

// BlockID returns the stable id of an evidence block inside a synthesis
// request: E1..En.
func BlockID(index int) string {
	return fmt.Sprintf("E%d", index)
}

// PackObject returns the deterministic object name of the persisted
// synthesis result for a job.
func PackObject(tenantID, jobID string) string {
	return fmt.Sprintf("tenants/%s/jobs/%s/normalized/pack.json", tenantID, jobID)
}

// ParseEvidenceObject extracts (tenant, job, url_id) from an evidence object
// name of the form tenants/{tenant}/jobs/{job}/evidence/{url_id}/raw...
// ok is false for any object name that does not follow the layout.
func ParseEvidenceObject(object string) (tenantID, jobID, urlID string, ok bool) {
	parts := strings.Split(object, "/")
	if len(parts) < 6 {
		return "", "", "", false
	}

	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "tenants":
			if tenantID == "" {
				tenantID = parts[i+1]
			}
		case "jobs":
			if jobID == "" {
				jobID = parts[i+1]
			}
		case "evidence":
			if urlID == "" {
				urlID = parts[i+1]
			}
		}
	}

	if tenantID == "" || jobID == "" || urlID == "" {
		return "", "", "", false
	}
	return tenantID, jobID, urlID, true
}
