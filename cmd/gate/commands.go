package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-gate/pkg/audit"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
)

func (c *cli) evaluateCmd() *cobra.Command {
	var (
		verb, resource, domain string
		agentID, traceID       string
		params                 []string
		level                  int
		confidence             float64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one action and print the signed verdict",
		Long: "Runs a single action through the gate with the configured backends and\n" +
			"audit sinks. Exit code 0 for ALLOW, 1 for DENY or ESCALATE.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			action, err := contracts.NewActionPrimitive(verb, resource, domain, parsed, confidence)
			if err != nil {
				return err
			}
			amm, err := contracts.ParseAuthorityLevel(level)
			if err != nil {
				return err
			}
			if traceID == "" {
				traceID = uuid.NewString()
			}

			ctx := cmd.Context()
			g, err := buildGate(ctx, c.cfg, c.logger, c.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close(context.Background()) }()

			v := g.engine.Evaluate(ctx, action, amm, traceID, agentID)
			guardErr := audit.Guard(ctx, g.sink, v, nil)
			var awe *contracts.AuditWriteError
			if errors.As(guardErr, &awe) {
				return awe
			}

			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(v); err != nil {
				return err
			}
			if v.Decision != contracts.DecisionAllow {
				return failed("decision %s: %s", v.Decision, v.Reason)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&verb, "verb", "", "Action verb, snake_case (required)")
	f.StringVar(&resource, "resource", "cli", "Target resource")
	f.StringVar(&domain, "domain", "", "Ontology domain (required)")
	f.StringArrayVar(&params, "param", nil, "Action parameter key=value; values are parsed as JSON when possible (repeatable)")
	f.IntVar(&level, "level", int(contracts.ActionableAgency), "Agent AMM level 1-5")
	f.Float64Var(&confidence, "confidence", 1.0, "Normalizer confidence 0-1")
	f.StringVar(&agentID, "agent-id", "", "Agent identifier recorded in the verdict")
	f.StringVar(&traceID, "trace-id", "", "Trace identifier (generated when empty)")
	_ = cmd.MarkFlagRequired("verb")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

// parseParams turns k=v pairs into parameters. Values that parse as JSON keep
// their type, anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--param %q: want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[k] = v
	}
	return out, nil
}

func (c *cli) verifyCmd() *cobra.Command {
	var file, pubHex, keyID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signature on a verdict",
		Long: "Reads a verdict JSON document (or a /v1/validate response) and checks\n" +
			"its Ed25519 signature. Exit code 0 when valid, 1 when not.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			v, err := decodeVerdict(data)
			if err != nil {
				return err
			}
			if keyID == "" {
				_, kid, _, err := crypto.SplitSignature(v.Signature)
				if err != nil {
					return failed("verdict %s: %v", v.TraceID, err)
				}
				keyID = kid
			}
			verifier, err := crypto.ParseEd25519Verifier(keyID, pubHex)
			if err != nil {
				return err
			}
			if err := crypto.VerifyVerdict(verifier, v); err != nil {
				return failed("verdict %s: signature invalid: %v", v.TraceID, err)
			}
			_, _ = fmt.Fprintf(c.stdout, "OK %s %s key=%s\n", v.TraceID, v.Decision, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "Verdict JSON file, - for stdin")
	cmd.Flags().StringVar(&pubHex, "public-key", "", "Hex Ed25519 public key (required)")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Expected key id (defaults to the one in the signature)")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

// decodeVerdict accepts either a bare verdict or a validate response
// wrapping one.
func decodeVerdict(data []byte) (*contracts.Verdict, error) {
	var wrapped struct {
		Verdict *contracts.Verdict `json:"verdict"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Verdict != nil {
		return wrapped.Verdict, nil
	}
	var v contracts.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if v.TraceID == "" {
		return nil, errors.New("decode verdict: missing trace_id")
	}
	return &v, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create ontology and audit tables on the configured SQL backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := buildGate(cmd.Context(), c.cfg, c.logger, io.Discard)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close(context.Background()) }()

			done, err := g.migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(done) == 0 {
				_, _ = fmt.Fprintln(c.stdout, "nothing to migrate: no SQL backend configured")
				return nil
			}
			for _, d := range done {
				_, _ = fmt.Fprintf(c.stdout, "migrated %s\n", d)
			}
			return nil
		},
	}
}

func (c *cli) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML ontology catalog into the SQL ontology backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				file = c.cfg.OntologyFile
			}
			cat, err := loadCatalog(file)
			if err != nil {
				return err
			}
			g, err := buildGate(cmd.Context(), c.cfg, c.logger, io.Discard)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close(context.Background()) }()

			client, ok := g.sqlOntology()
			if !ok {
				return fmt.Errorf("seed requires ONTOLOGY_BACKEND postgres or sqlite, got %q", c.cfg.OntologyBackend)
			}
			if err := client.Migrate(cmd.Context()); err != nil {
				return err
			}
			if err := client.Seed(cmd.Context(), cat); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.stdout, "seeded %d ontologies into %s\n", len(cat.Ontologies), c.cfg.OntologyBackend)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Ontology YAML (defaults to ONTOLOGY_FILE, then the bundled catalog)")
	return cmd
}

func loadCatalog(file string) (*semantic.Catalog, error) {
	if file == "" {
		return semantic.DefaultCatalog()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return semantic.ParseCatalog(data)
}

func (c *cli) healthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running gate's /health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = "http://localhost:" + c.cfg.Port + "/health"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return failed("health check failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			_, _ = c.stdout.Write(body)
			if resp.StatusCode != http.StatusOK {
				return failed("health check failed: status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Health endpoint (defaults to localhost on PORT)")
	return cmd
}
