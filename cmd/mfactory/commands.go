package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/migration-factory/internal/config"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/storage"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

func runTemplateNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printTemplateNounHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "import":
		return runTemplateImport(args[1:])
	case "list":
		return runTemplateList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown template action: %s\n", args[0])
		return 1
	}
}

func printTemplateNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: mfactory template <action> [--config PATH]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  import [paths...]  Validate and import templates (default: templates_dir)")
	fmt.Fprintln(w, "  list               Show imported templates")
}

// openState loads config and opens the state database for one-shot commands.
// These do not take the PID lock; SQLite serializes their writes with serve.
func openState(ctx context.Context, configPath string) (*config.Config, *store.Templates, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Setup(cfg.Service.LogLevel)
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open state database: %w", err)
	}
	return cfg, store.NewTemplates(db), func() { _ = db.Close() }, nil
}

func runTemplateImport(args []string) int {
	fs := flag.NewFlagSet("template import", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cfg, templates, closeDB, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	paths := fs.Args()
	if len(paths) == 0 {
		if cfg.TemplatesDir == "" {
			fmt.Fprintln(os.Stderr, "No template paths given and templates_dir is not set")
			return 1
		}
		paths = []string{cfg.TemplatesDir}
	}

	importer := template.NewImporter(templates, log.WithComponent("templates"))
	for _, p := range paths {
		report, err := importer.ImportPath(ctx, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import of %s failed: %v\n", p, err)
			return 1
		}
		for _, id := range report.Imported {
			fmt.Printf("imported  %s\n", id)
		}
		for _, id := range report.Unchanged {
			fmt.Printf("unchanged %s\n", id)
		}
	}
	return 0
}

func runTemplateList(args []string) int {
	fs := flag.NewFlagSet("template list", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	_, templates, closeDB, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	ts, err := templates.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEMPLATE\tNAME\tDIGEST\tIMPORTED")
	for _, t := range ts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TemplateID, t.Name, shortenCommit(t.Digest), t.ImportedAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: mfactory config check [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// runConfigCheck validates the config, checks each automation entrypoint
// resolves to an executable, and parses the templates directory.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	var problems []string
	refs := make([]string, 0, len(cfg.Automations))
	for ref := range cfg.Automations {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		if err := checkEntrypoint(cfg.Automations[ref].Entrypoint); err != nil {
			problems = append(problems, fmt.Sprintf("automation %s: %v", ref, err))
		}
	}

	templateCount := 0
	if cfg.TemplatesDir != "" {
		if _, err := os.Stat(cfg.TemplatesDir); err == nil {
			ts, err := template.LoadPath(cfg.TemplatesDir)
			if err != nil {
				problems = append(problems, err.Error())
			}
			templateCount = len(ts)
			for _, t := range ts {
				for _, task := range t.Tasks {
					if _, ok := cfg.Automations[task.TaskReference]; !ok {
						problems = append(problems, fmt.Sprintf("template %s task %s: no automation for task_reference %q", t.TemplateID, task.TemplateTaskID, task.TaskReference))
					}
				}
			}
		}
	}

	if len(problems) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration has problems:")
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "  - %s\n", p)
		}
		return 1
	}
	fmt.Printf("Configuration valid: %s (%d automations, %d templates)\n", cfg.SourcePath, len(cfg.Automations), templateCount)
	return 0
}

func checkEntrypoint(entrypoint string) error {
	if filepath.IsAbs(entrypoint) {
		info, err := os.Stat(entrypoint)
		if err != nil {
			return err
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return fmt.Errorf("%s is not executable", entrypoint)
		}
		return nil
	}
	if _, err := exec.LookPath(entrypoint); err != nil {
		return err
	}
	return nil
}
