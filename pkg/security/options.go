package security

import (
	"time"
)

// Limits are the global resource maxima an extension may request
type Limits struct {
	MaxMemoryMB   int `yaml:"max_memory_mb"`
	MaxCPUPercent int `yaml:"max_cpu_percent"`
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
}

// Options configure the pipeline
type Options struct {
	Limits Limits

	// TrustedCAs are matched as substrings of the certificate
	TrustedCAs []string

	// CriticalPermissions are always rated critical
	CriticalPermissions []string

	// Vulnerabilities is keyed by name@version
	Vulnerabilities VulnerabilityDatabase

	// AcknowledgedVulnerabilities are finding ids treated as resolved
	AcknowledgedVulnerabilities []string

	// MaxSignatureAge bounds how old a signing timestamp may be
	MaxSignatureAge time.Duration

	CacheTTL  time.Duration
	CacheSize int

	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Limits: Limits{
			MaxMemoryMB:   8192,
			MaxCPUPercent: 100,
			MaxFileSizeMB: 1024,
		},
		TrustedCAs: []string{
			"DigiCert",
			"GlobalSign",
			"Sectigo",
			"Entrust",
			"Let's Encrypt",
			"Plexus Root CA",
		},
		CriticalPermissions: []string{
			"system:admin",
			"system:root",
			"security:override",
			"filesystem:full",
			"network:raw",
			"process:spawn",
		},
		Vulnerabilities: VulnerabilityDatabase{},
		MaxSignatureAge: 365 * 24 * time.Hour,
		CacheTTL:        5 * time.Minute,
		CacheSize:       1024,
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
