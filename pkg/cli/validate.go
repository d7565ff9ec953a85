package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/platinummonkey/plugd/pkg/manifest"
)

func newValidateCommand() *Command {
	cmd := &Command{
		Name:        "validate",
		Description: "Validate a plugin manifest",
		Flags:       flag.NewFlagSet("validate", flag.ContinueOnError),
		Run:         runValidate,
	}

	cmd.Flags.String("dir", ".", "Plugin source directory")
	cmd.Flags.Bool("json", false, "Print the result as JSON")

	return cmd
}

func runValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ContinueOnError)
	dir := flags.String("dir", ".", "Plugin source directory")
	asJSON := flags.Bool("json", false, "Print the result as JSON")

	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := validateDir(*dir)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printValidation(result)
	}

	if !result.IsValid {
		return fmt.Errorf("manifest has %d error(s)", len(result.Errors))
	}
	return nil
}

// validateDir validates the manifest found in dir. A manifest that cannot be
// parsed is reported as an invalid result; a missing one is an error.
func validateDir(dir string) (*manifest.Result, error) {
	var path string
	for _, name := range manifest.FileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w in %s", manifest.ErrManifestNotFound, dir)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	_, result := manifest.ValidateBytes(data)
	return result, nil
}

func printValidation(r *manifest.Result) {
	if r.IsValid {
		fmt.Fprintln(stdout, "✓ manifest is valid")
	} else {
		fmt.Fprintln(stdout, "✗ manifest is invalid")
	}
	for _, e := range r.Errors {
		fmt.Fprintf(stdout, "  error   %-24s %s\n", e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(stdout, "  warning %-24s %s\n", w.Field, w.Message)
	}
}
