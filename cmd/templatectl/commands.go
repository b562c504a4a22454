package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/midnight-protocol/admin/internal/adminclient"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
)

func newListCmd(a *app) *cobra.Command {
	var f template.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates of one kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			list, err := c.ListTemplates(cmd.Context(), kind, f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tCATEGORY\tVARIABLES\tACTIVE\tID")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\n",
					t.Name, t.CurrentVersion, t.Category, strings.Join(t.Variables, ","), t.IsActive, t.ID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Search, "search", "", "filter by name or description")
	cmd.Flags().StringVar(&f.Category, "category", "", "filter by category")
	cmd.Flags().BoolVar(&f.IncludeRetired, "all", false, "include retired templates")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of templates")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "get <id-or-name>",
		Short: "Show the current version of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			t, err := resolve(cmd.Context(), c, kind, args[0])
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), t, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func newVersionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id-or-name>",
		Short: "List the version history of a template, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			t, err := resolve(cmd.Context(), c, kind, args[0])
			if err != nil {
				return err
			}
			versions, err := c.ListVersions(cmd.Context(), kind, t.ID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tCURRENT\tCREATED\tBY\tNOTES")
			for _, v := range versions {
				fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\n",
					v.Version, v.IsCurrent, v.CreatedAt.Format("2006-01-02 15:04"), v.CreatedBy, v.ChangeNotes)
			}
			return tw.Flush()
		},
	}
}

func newRenderCmd(a *app) *cobra.Command {
	var (
		sets       []string
		valuesFile string
	)
	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Render a local template file without contacting the server",
		Long: `render reads a YAML or JSON file holding subject/html/text (email) or
body (prompt), substitutes the given values and prints the result. Missing
variables are reported on stderr and left as literal placeholders.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := a.templateKind()
			if err != nil {
				return err
			}
			var content models.Content
			if err := readDocument(args[0], &content); err != nil {
				return err
			}
			if err := template.ValidateContent(kind, content); err != nil {
				return err
			}

			values := map[string]string{}
			if valuesFile != "" {
				if err := readDocument(valuesFile, &values); err != nil {
					return err
				}
			}
			for _, kv := range sets {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--set %q: expected key=value", kv)
				}
				values[k] = v
			}

			out := cmd.OutOrStdout()
			rendered := template.RenderContent(content, values)
			if kind == models.KindEmail {
				fmt.Fprintf(out, "Subject: %s\n\n%s\n", rendered.Subject, rendered.HTML)
				if rendered.Text != "" {
					fmt.Fprintf(out, "\n--- text ---\n%s\n", rendered.Text)
				}
			} else {
				fmt.Fprintln(out, rendered.Body)
			}

			if missing := template.MissingVariables(content, values); len(missing) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "missing variables: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "variable value as key=value (repeatable)")
	cmd.Flags().StringVar(&valuesFile, "values", "", "YAML or JSON file of variable values")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		ids     []string
		history bool
		format  string
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export templates to a JSON or YAML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			req := template.ExportRequest{IncludeHistory: history}
			for _, s := range ids {
				id, err := uuid.Parse(s)
				if err != nil {
					return fmt.Errorf("invalid id %q: %w", s, err)
				}
				req.IDs = append(req.IDs, id)
			}

			doc, err := c.Export(cmd.Context(), kind, req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("create %s: %w", outFile, err)
				}
				defer f.Close()
				w = f
			}
			if err := write(w, doc, format); err != nil {
				return err
			}
			if outFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d templates to %s\n", len(doc.Templates), outFile)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "template ids to export (default all)")
	cmd.Flags().BoolVar(&history, "history", false, "include every version")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "document format: json or yaml")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import templates from a JSON or YAML export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			raw, err = toJSON(raw)
			if err != nil {
				return err
			}

			res, err := c.Import(cmd.Context(), kind, raw, strategy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, item := range res.Items {
				switch {
				case item.Error != "":
					fmt.Fprintf(out, "  error    %s: %s\n", item.Name, item.Error)
				case item.StoredName != "" && item.StoredName != item.Name:
					fmt.Fprintf(out, "  %-8s %s -> %s (v%d)\n", item.Action, item.Name, item.StoredName, item.Version)
				default:
					fmt.Fprintf(out, "  %-8s %s (v%d)\n", item.Action, item.Name, item.Version)
				}
			}
			fmt.Fprintf(out, "imported %d, skipped %d, errors %d\n", res.Imported, res.Skipped, len(res.Errors))
			return nil
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "skip", "name collision strategy: skip, overwrite or create_new")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		notes string
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "restore <id-or-name> <version>",
		Short: "Restore an earlier version as a new current version",
		Long: `restore copies the content of an earlier version into a new version and
makes it current. History is never rewritten. You are asked to confirm unless
--yes is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, c, err := a.setup()
			if err != nil {
				return err
			}
			t, err := resolve(cmd.Context(), c, kind, args[0])
			if err != nil {
				return err
			}
			versions, err := c.ListVersions(cmd.Context(), kind, t.ID)
			if err != nil {
				return err
			}
			target, err := pickVersion(versions, args[1])
			if err != nil {
				return err
			}

			if !yes {
				prompt := fmt.Sprintf("Restore %s to version %d? This creates version %d. [y/N]: ",
					t.Name, target.Version, t.CurrentVersion+1)
				if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			if notes == "" {
				notes = fmt.Sprintf("Restored from version %d", target.Version)
			}
			restored, err := c.RestoreVersion(cmd.Context(), kind, t.ID, target.ID, notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now at version %d\n", restored.Name, restored.CurrentVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "change notes for the new version")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) setup() (models.TemplateKind, *adminclient.Client, error) {
	kind, err := a.templateKind()
	if err != nil {
		return "", nil, err
	}
	c, err := a.client()
	if err != nil {
		return "", nil, err
	}
	return kind, c, nil
}

// resolve accepts a template id or name.
func resolve(ctx context.Context, c *adminclient.Client, kind models.TemplateKind, ref string) (*models.Template, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return c.GetTemplate(ctx, kind, id)
	}
	return c.GetTemplateByName(ctx, kind, ref)
}

// pickVersion matches ref against version numbers, then version ids.
func pickVersion(versions []models.TemplateVersion, ref string) (*models.TemplateVersion, error) {
	n, numErr := strconv.Atoi(strings.TrimPrefix(ref, "v"))
	id, idErr := uuid.Parse(ref)
	for i := range versions {
		v := &versions[i]
		if (numErr == nil && v.Version == n) || (idErr == nil && v.ID == id) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("version %s: %w", ref, template.ErrNotFound)
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// readDocument decodes a YAML or JSON file into dst using its JSON tags.
func readDocument(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	raw, err = toJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &template.ParseError{Err: fmt.Errorf("%s: %w", path, err)}
	}
	return nil
}

// toJSON returns raw unchanged when it is JSON, otherwise converts YAML.
func toJSON(raw []byte) ([]byte, error) {
	if json.Valid(raw) {
		return raw, nil
	}
	var v interface{}
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, &template.ParseError{Err: err}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, &template.ParseError{Err: err}
	}
	return out, nil
}

// write prints v as indented JSON or as YAML keyed like the JSON form.
func write(w io.Writer, v interface{}, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q: use json or yaml", format)
}
