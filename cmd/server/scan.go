package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/compliance"
	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Scan a file or stdin offline and print the violations as JSON",
	Long: `Scan runs the detection pipeline against an in-memory store. Nothing is
persisted and no notifications are sent. Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringP("type", "t", "text", "Payload type: text, transaction, json, api or ai")
	scanCmd.Flags().StringP("source", "s", "cli", "Source label recorded on violations")
	scanCmd.Flags().String("rules", "", "Rule catalog file overriding catalog.rules_file")
}

func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kind, _ := cmd.Flags().GetString("type")
	source, _ := cmd.Flags().GetString("source")
	rules, _ := cmd.Flags().GetString("rules")
	if rules == "" {
		rules = cfg.Catalog.RulesFile
	}

	cfg.Logging.Level = "warn"
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	provider := catalog.Provider(catalog.NewStatic(nil))
	if rules != "" {
		c, err := catalog.LoadFile(rules)
		if err != nil {
			return fmt.Errorf("failed to load rule catalog: %w", err)
		}
		provider = catalog.NewStatic(c)
	}

	data, err := readInput(args)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	store := database.NewMemoryStore()
	escalator := escalation.NewEngine(store, nil, logger)
	engine := compliance.New(store, provider, escalator, cfg, logger)

	ctx := cmd.Context()
	if _, err := engine.SeedRules(ctx); err != nil {
		return err
	}

	var violations []models.Violation
	switch kind {
	case "text":
		violations, err = engine.ScanText(ctx, string(data), source)
	case "transaction":
		violations, err = engine.ScanTransaction(ctx, data, source)
	case "json":
		violations, err = engine.ScanJSON(ctx, data, source)
	case "api":
		var rec scanner.APITelemetry
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("invalid api telemetry: %w", err)
		}
		violations, err = engine.ScanAPITelemetry(ctx, rec, source)
	case "ai":
		var rec scanner.AIUsage
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("invalid ai usage record: %w", err)
		}
		violations, err = engine.ScanAIUsage(ctx, rec, source)
	default:
		return fmt.Errorf("unknown payload type %q", kind)
	}
	if err != nil {
		logger.Error("Scan failed", zap.String("type", kind), zap.Error(err))
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(violations)
}
