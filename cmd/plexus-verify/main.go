package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/lifecycle"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/policy"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/security"
	"github.com/platinummonkey/plexus/pkg/service"
)

// Config holds the verifier configuration
type Config struct {
	Source            string
	Name              string
	VulnerabilityFile string
	LogLevel          string
}

// Output is the JSON document printed for a verification
type Output struct {
	Name    string           `json:"name"`
	Source  string           `json:"source"`
	Passed  bool             `json:"passed"`
	Message string           `json:"message"`
	Report  *security.Report `json:"report,omitempty"`
	Actions []policy.Action  `json:"actions,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// plexus-verify runs the install security checks against an extension
// package and prints the report. It exits 1 when the package fails.
func main() {
	cfg := parseFlags()
	logger := setupLogger(cfg.LogLevel)

	if cfg.Source == "" {
		fmt.Fprintln(os.Stderr, "usage: plexus-verify [flags] <manifest file or package dir>")
		os.Exit(2)
	}

	out, err := verify(context.Background(), cfg, logger)
	if err != nil {
		logger.Errorf("Verification failed: %v", err)
	}
	if werr := writeOutput(os.Stdout, out); werr != nil {
		logger.Fatalf("Failed to write report: %v", werr)
	}
	if !out.Passed {
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Name, "name", "", "Extension name (defaults to the manifest name)")
	flag.StringVar(&cfg.VulnerabilityFile, "vulnerability-db", os.Getenv("PLEXUS_VULNERABILITY_DB"), "Vulnerability database YAML file")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.Source = flag.Arg(0)
	return cfg
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	return logger
}

// verify always returns an Output; err is set when the package could not
// be evaluated at all.
func verify(ctx context.Context, cfg *Config, logger *logrus.Logger) (*Output, error) {
	out := &Output{Name: cfg.Name, Source: cfg.Source}

	source, err := filepath.Abs(cfg.Source)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	if out.Name == "" {
		out.Name, err = manifestName(source)
		if err != nil {
			out.Error = err.Error()
			return out, err
		}
	}

	secOpts := security.DefaultOptions()
	if cfg.VulnerabilityFile != "" {
		db, err := security.LoadVulnerabilityDatabase(cfg.VulnerabilityFile)
		if err != nil {
			out.Error = err.Error()
			return out, err
		}
		secOpts.Vulnerabilities = db
	}

	svc, err := service.New(service.Options{
		Repository: registry.NewMemoryRepository(),
		Loader:     manifest.NewFileLoader("", logger),
		Security:   secOpts,
		Logger:     logger,
	})
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	defer svc.Stop(ctx)

	result, err := svc.VerifyExtension(ctx, lifecycle.InstallRequest{Name: out.Name, Source: source})
	if err != nil {
		out.Error = err.Error()
		out.Message = "Verification could not complete"
		return out, err
	}

	out.Passed = result.Success
	out.Message = result.Message
	out.Actions = result.PolicyActions
	if result.SecurityValidation != nil {
		report := security.BuildReport(result.SecurityValidation)
		out.Report = &report
	}
	return out, nil
}

// manifestName reads the name declared by the manifest at source
func manifestName(source string) (string, error) {
	manifestPath := source
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		manifestPath = filepath.Join(source, manifest.FileName)
	}
	m, err := manifest.LoadFile(manifestPath)
	if err != nil {
		return "", err
	}
	if m.Name == "" {
		return "", fmt.Errorf("manifest %s has no name; pass -name", manifestPath)
	}
	return m.Name, nil
}

func writeOutput(w io.Writer, out *Output) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
