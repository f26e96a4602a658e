package security

import (
	"fmt"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Deductions from a perfect resource score
const (
	memoryPenalty   = 30
	cpuPenalty      = 25
	fileSizePenalty = 20
	accessPenalty   = 25
)

func validateResourceLimits(limits Limits, sec extensions.Security) ResourceLimitsValidation {
	req := sec.ResourceLimits
	v := ResourceLimitsValidation{
		MemoryCheckPassed:   req.MaxMemoryMB <= limits.MaxMemoryMB,
		CPUCheckPassed:      req.MaxCPUPercent <= limits.MaxCPUPercent,
		FileSizeCheckPassed: req.MaxFileSizeMB <= limits.MaxFileSizeMB,
		AccessCheckPassed:   !(req.NetworkAccess && req.FileSystemAccess == extensions.FileSystemFull),
	}

	score := 100.0
	if !v.MemoryCheckPassed {
		score -= memoryPenalty
		v.Issues = append(v.Issues, fmt.Sprintf("memory request %d MB exceeds maximum %d MB", req.MaxMemoryMB, limits.MaxMemoryMB))
		v.Recommendations = append(v.Recommendations, fmt.Sprintf("Reduce max_memory_mb to at most %d", limits.MaxMemoryMB))
	}
	if !v.CPUCheckPassed {
		score -= cpuPenalty
		v.Issues = append(v.Issues, fmt.Sprintf("CPU request %d%% exceeds maximum %d%%", req.MaxCPUPercent, limits.MaxCPUPercent))
		v.Recommendations = append(v.Recommendations, fmt.Sprintf("Reduce max_cpu_percent to at most %d", limits.MaxCPUPercent))
	}
	if !v.FileSizeCheckPassed {
		score -= fileSizePenalty
		v.Issues = append(v.Issues, fmt.Sprintf("file size request %d MB exceeds maximum %d MB", req.MaxFileSizeMB, limits.MaxFileSizeMB))
		v.Recommendations = append(v.Recommendations, fmt.Sprintf("Reduce max_file_size_mb to at most %d", limits.MaxFileSizeMB))
	}
	if !v.AccessCheckPassed {
		score -= accessPenalty
		v.Issues = append(v.Issues, "network access combined with full file system access")
		v.Recommendations = append(v.Recommendations, "Restrict file system access to sandbox or read_only when network access is required")
	}
	if !sec.SandboxEnabled {
		v.Recommendations = append(v.Recommendations, "Enable sandbox isolation")
	}

	v.Score = clampScore(score)
	return v
}
