package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/dotmem/pkg/config"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var outputDir string
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI and config reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			written, err := writeGeneratedReferences(rootFactory, outputDir)
			if err != nil {
				return err
			}
			for _, rel := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", filepath.Join(outputDir, rel))
			}
			return nil
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// writeGeneratedReferences renders the CLI tree as markdown and man pages plus
// the config reference, returning the paths written relative to outDir.
func writeGeneratedReferences(rootFactory func() *cobra.Command, outDir string) ([]string, error) {
	cliRoot := rootFactory()
	disableAutoGenTag(cliRoot)

	cliDir := filepath.Join(outDir, "reference", "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return fmt.Sprintf("# %s\n\n", strings.ReplaceAll(title, "_", " "))
	}
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, func(name string) string { return name }); err != nil {
		return nil, fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(outDir, "reference", "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return nil, fmt.Errorf("create man docs dir: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "DOTMEM", Section: "1", Source: appName}
	if err := cobraDoc.GenManTree(cliRoot, header, manDir); err != nil {
		return nil, fmt.Errorf("generate man pages: %w", err)
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(outDir, "reference", "config.md")
	if err := os.WriteFile(configPath, []byte(configRef), 0o644); err != nil {
		return nil, fmt.Errorf("write config reference: %w", err)
	}

	return []string{
		filepath.Join("reference", "cli"),
		filepath.Join("reference", "man"),
		filepath.Join("reference", "config.md"),
	}, nil
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

type configFieldRow struct {
	Path     string
	Type     string
	Env      string
	Default  string
	Validate string
}

func buildConfigReferenceMarkdown() (string, error) {
	defaults, err := configDefaults()
	if err != nil {
		return "", err
	}

	var rows []configFieldRow
	collectConfigRows(reflect.TypeOf(config.Config{}), "", defaults, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n")
	b.WriteString("Environment variables override the file; `Rules` are enforced by `Validate()`.\n\n")
	b.WriteString("| Key | Type | Env Var | Default | Rules |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, row := range rows {
		cells := []string{row.Path, row.Type, valueOr(row.Env, "-"), valueOr(row.Default, "-"), valueOr(row.Validate, "-")}
		for i, c := range cells {
			cells[i] = "`" + escapePipes(c) + "`"
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String(), nil
}

func collectConfigRows(t reflect.Type, prefix string, defaults map[string]string, rows *[]configFieldRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(f.Type, path, defaults, rows)
			continue
		}
		*rows = append(*rows, configFieldRow{
			Path:     path,
			Type:     friendlyType(f.Type),
			Env:      f.Tag.Get("env"),
			Default:  defaults[path],
			Validate: f.Tag.Get("validate"),
		})
	}
}

// configDefaults flattens DefaultConfig into dotted keys with JSON values.
func configDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := map[string]string{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if m, ok := v.(map[string]any); ok {
			for k, child := range m {
				if prefix != "" {
					k = prefix + "." + k
				}
				walk(k, child)
			}
			return
		}
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
	}
	walk("", root)
	return out, nil
}

func friendlyType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + friendlyType(t.Elem()) + ">"
	default:
		return t.String()
	}
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
