package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "ex-hibiki/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// layerRule forbids packages under importer from importing anything under
// one of the listed prefixes.
type layerRule struct {
	importer  string
	forbidden []string
	reason    string
}

var layerRules = []layerRule{
	{
		importer:  "pkg/hibiki",
		forbidden: []string{"internal/", "modules/", "cmd/"},
		reason:    "pkg/hibiki must not import internal/*",
	},
	{
		importer:  "internal/kernel",
		forbidden: []string{"internal/driver"},
		reason:    "internal/kernel must not import internal/driver/*",
	},
	{
		importer:  "internal/cache",
		forbidden: []string{"internal/rest", "internal/dispatch", "internal/handler", "internal/kernel", "internal/driver"},
		reason:    "internal/cache must only depend on pkg/hibiki",
	},
	{
		importer:  "internal/rest",
		forbidden: []string{"internal/dispatch", "internal/handler", "internal/kernel", "internal/driver"},
		reason:    "internal/rest must not depend on inbound processing",
	},
	{
		importer:  "internal/dispatch",
		forbidden: []string{"internal/cache", "internal/handler", "internal/kernel", "internal/driver"},
		reason:    "internal/dispatch must stay record-type agnostic",
	},
	{
		importer:  "modules/",
		forbidden: []string{"internal/"},
		reason:    "modules/* must not import internal/*",
	},
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)

	for _, rule := range layerRules {
		if !strings.HasPrefix(importer, rule.importer) {
			continue
		}
		for _, forbidden := range rule.forbidden {
			if strings.HasPrefix(imported, forbidden) {
				return rule.reason
			}
		}
	}

	return ""
}
