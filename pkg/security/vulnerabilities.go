package security

import (
	"fmt"
	"os"
	"strings"

	"github.com/platinummonkey/plexus/pkg/extensions"
	"gopkg.in/yaml.v3"
)

// VulnerabilityDatabase maps name@version to known findings
type VulnerabilityDatabase map[string][]Vulnerability

// LoadVulnerabilityDatabase reads a YAML vulnerability table from a file
func LoadVulnerabilityDatabase(path string) (VulnerabilityDatabase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vulnerability database: %w", err)
	}

	db := VulnerabilityDatabase{}
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to parse vulnerability database: %w", err)
	}
	for key, vulns := range db {
		for i := range vulns {
			if vulns[i].Component == "" {
				vulns[i].Component = key
			}
		}
	}
	return db, nil
}

// Lookup returns the findings recorded for name at version
func (db VulnerabilityDatabase) Lookup(name, version string) []Vulnerability {
	return db[name+"@"+strings.TrimPrefix(version, "v")]
}

// Deductions per unresolved finding
var severityPenalty = map[Severity]float64{
	SeverityCritical: 40,
	SeverityHigh:     25,
	SeverityMedium:   10,
	SeverityLow:      5,
}

// pinnedVersion extracts an exact version from a range like ^1.2.3 or >=1.2.3
func pinnedVersion(versionRange string) string {
	v := strings.TrimLeft(strings.TrimSpace(versionRange), "^~>=<v ")
	if extensions.IsValidVersion(v) {
		return v
	}
	return ""
}

func scanVulnerabilities(opts Options, ext *extensions.Extension) VulnerabilityScan {
	acknowledged := make(map[string]bool, len(opts.AcknowledgedVulnerabilities))
	for _, id := range opts.AcknowledgedVulnerabilities {
		acknowledged[id] = true
	}

	scan := VulnerabilityScan{Findings: []Vulnerability{}}
	add := func(found []Vulnerability, component string) {
		for _, v := range found {
			if v.Component == "" {
				v.Component = component
			}
			v.Resolved = acknowledged[v.ID]
			scan.Findings = append(scan.Findings, v)
			if !v.Resolved && v.Remediation != "" {
				scan.Recommendations = append(scan.Recommendations, v.Remediation)
			}
		}
	}

	// the extension itself
	scan.ScannedComponents++
	add(opts.Vulnerabilities.Lookup(ext.Name, ext.Version), ext.Name+"@"+ext.Version)

	// declared dependencies pinned to an exact version
	for _, dep := range ext.Compatibility.Dependencies {
		name := dep.Name
		if name == "" {
			name = dep.ExtensionID
		}
		version := pinnedVersion(dep.VersionRange)
		if name == "" || version == "" {
			continue
		}
		scan.ScannedComponents++
		add(opts.Vulnerabilities.Lookup(name, version), name+"@"+version)
	}

	// configuration
	scan.ScannedComponents++
	if !ext.Security.SandboxEnabled {
		add([]Vulnerability{{
			ID:          "CONFIG-SANDBOX-DISABLED",
			Severity:    SeverityMedium,
			Description: "sandbox isolation is disabled",
			Remediation: "Enable sandbox isolation",
		}}, "configuration")
	}

	score := 100.0
	for _, v := range scan.Findings {
		if !v.Resolved {
			score -= severityPenalty[v.Severity]
		}
	}
	if scan.CountUnresolved(SeverityCritical) > 0 || scan.CountUnresolved(SeverityHigh) > 0 {
		scan.Recommendations = append(scan.Recommendations, "Upgrade components with critical or high severity vulnerabilities before activation")
	}

	scan.Score = clampScore(score)
	return scan
}
