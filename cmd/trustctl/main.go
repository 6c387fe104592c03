package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/aaron031291/grace-2-sub022/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	outFormat string
	actAs     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "Command-line client for trustd",
	Long: `trustctl talks to a trustd server: it reads and verifies the trust
ledger, signs and verifies action envelopes, rotates signing keys and
drives anomaly remediation.

The audit command verifies a ledger file or SQLite database directly,
without a running server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trustctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("trustctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trustctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trustd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&actAs, "as", "", "Agent to act for (sent as X-Trust-Actor for rate limiting)")

	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(envelopeCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithActor(actAs))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONArg decodes a JSON literal, or the contents of a file when the
// argument starts with "@" ("@-" reads stdin).
func readJSONArg(arg string, v any) error {
	data := []byte(arg)
	if len(arg) > 0 && arg[0] == '@' {
		var err error
		if arg == "@-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(arg[1:])
		}
		if err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and append to the trust ledger",
}

var ledgerInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the ledger length and root hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.LedgerInfo(cmd.Context())
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(info)
		}
		fmt.Printf("Entries: %d\n", info.Entries)
		fmt.Printf("Root:    %s\n", info.Root)
		return nil
	},
}

var verifyFrom int64

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain and report every issue found",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.VerifyChain(cmd.Context(), verifyFrom)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(res)
		}
		printVerify(res.ChainIntegrity, res.TotalEntries, res.VerifiedEntries, len(res.Issues))
		for _, is := range res.Issues {
			fmt.Printf("  seq %-6d %-20s %s\n", is.Sequence, is.Reason, is.Detail)
		}
		if res.AnomalyID != "" {
			fmt.Printf("Anomaly: %s\n", res.AnomalyID)
		}
		if !res.ChainIntegrity {
			return errors.New("chain integrity check failed")
		}
		return nil
	},
}

func printVerify(intact bool, total, verified int64, issues int) {
	state := "intact"
	if !intact {
		state = "BROKEN"
	}
	fmt.Printf("Chain:    %s\n", state)
	fmt.Printf("Entries:  %d (%d verified)\n", total, verified)
	fmt.Printf("Issues:   %d\n", issues)
}

var (
	entriesStart int64
	entriesEnd   int64
)

var ledgerEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List ledger entries in a sequence range (inclusive)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		end := entriesEnd
		if end < 0 {
			end = entriesStart + 19
		}
		entries, err := c.Entries(cmd.Context(), entriesStart, end)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tACTOR\tRESOURCE\tHASH")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.12s\n",
				e.Sequence, e.Timestamp.Format(time.RFC3339), e.EventType, e.Actor, e.Resource, e.Hash)
		}
		return w.Flush()
	},
}

var (
	appendEvent    string
	appendActor    string
	appendResource string
	appendPayload  string
)

var ledgerAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an entry to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := client.AppendRequest{EventType: appendEvent, Actor: appendActor, Resource: appendResource}
		if appendPayload != "" {
			var payload any
			if err := readJSONArg(appendPayload, &payload); err != nil {
				return fmt.Errorf("parse --payload: %w", err)
			}
			req.Payload = payload
		}
		e, err := c.Append(cmd.Context(), req)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(e)
		}
		fmt.Printf("✓ Appended entry %d\n  Hash: %s\n", e.Sequence, e.Hash)
		return nil
	},
}

func init() {
	ledgerVerifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "First sequence number to verify")
	ledgerEntriesCmd.Flags().Int64Var(&entriesStart, "start", 0, "First sequence number")
	ledgerEntriesCmd.Flags().Int64Var(&entriesEnd, "end", -1, "Last sequence number (default start+19)")
	ledgerAppendCmd.Flags().StringVar(&appendEvent, "event", "", "Event type")
	ledgerAppendCmd.Flags().StringVar(&appendActor, "actor", "operator", "Actor")
	ledgerAppendCmd.Flags().StringVar(&appendResource, "resource", "", "Resource")
	ledgerAppendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON payload, or @file")
	_ = ledgerAppendCmd.MarkFlagRequired("event")

	ledgerCmd.AddCommand(ledgerInfoCmd, ledgerVerifyCmd, ledgerEntriesCmd, ledgerAppendCmd)
}

// ── envelope ─────────────────────────────────────────────────────────────────

// signedDocument is what "envelope sign" prints and "envelope verify" reads.
type signedDocument struct {
	Envelope client.Envelope `json:"envelope"`
	Signed   client.Signed   `json:"signed"`
}

var (
	envActionID string
	envActor    string
	envType     string
	envResource string
	envInput    string
)

func envelopeFromFlags() (client.Envelope, error) {
	env := client.Envelope{
		ActionID:   envActionID,
		Actor:      envActor,
		ActionType: envType,
		Resource:   envResource,
	}
	if envInput != "" {
		var input any
		if err := readJSONArg(envInput, &input); err != nil {
			return env, fmt.Errorf("parse --input: %w", err)
		}
		env.InputData = input
	}
	return env, nil
}

func addEnvelopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&envActionID, "id", "", "Action id (assigned by the server when empty)")
	cmd.Flags().StringVar(&envActor, "actor", "", "Acting agent")
	cmd.Flags().StringVar(&envType, "type", "", "Action type (e.g. payment.send)")
	cmd.Flags().StringVar(&envResource, "resource", "", "Target resource")
	cmd.Flags().StringVar(&envInput, "input", "", "Action input as JSON, or @file")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("type")
}

var envelopeCmd = &cobra.Command{
	Use:   "envelope",
	Short: "Sign and verify action envelopes",
}

var envelopeSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign an action envelope without recording it",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envelopeFromFlags()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		signed, err := c.Sign(cmd.Context(), env)
		if err != nil {
			return err
		}
		return printJSON(signedDocument{Envelope: env, Signed: *signed})
	},
}

var envelopeVerifyCmd = &cobra.Command{
	Use:   "verify <file|->",
	Short: "Verify a document produced by 'envelope sign'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc signedDocument
		if err := readJSONArg("@"+args[0], &doc); err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ok, err := c.Verify(cmd.Context(), doc.Envelope, doc.Signed)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("✗ Signature INVALID (kid %s)\n", doc.Signed.KeyID)
			return errors.New("envelope verification failed")
		}
		fmt.Printf("✓ Signature valid (kid %s, signed %s)\n", doc.Signed.KeyID, doc.Signed.SignedAt.Format(time.RFC3339))
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an action to be signed, recorded on the ledger and scanned",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envelopeFromFlags()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		sub, err := c.SubmitAction(cmd.Context(), env)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(sub)
		}
		fmt.Printf("✓ Action %s recorded at sequence %d\n", sub.Envelope.ActionID, sub.Entry.Sequence)
		if sub.Anomaly != nil {
			fmt.Printf("  Threat detected: anomaly %s (%s)\n", sub.Anomaly.ID, sub.Anomaly.Severity)
		}
		return nil
	},
}

func init() {
	addEnvelopeFlags(envelopeSignCmd)
	addEnvelopeFlags(submitCmd)
	envelopeCmd.AddCommand(envelopeSignCmd, envelopeVerifyCmd)
}

// ── keys ─────────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List or rotate signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		keys, err := c.Keys(cmd.Context())
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(keys)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KID\tSIGNER\tACTIVATED\tRETIRED")
		for _, k := range keys {
			retired := "-"
			if k.RetiredAt != nil {
				retired = k.RetiredAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%.16s\t%s\t%s\t%s\n", k.KID, k.Signer, k.ActivatedAt.Format(time.RFC3339), retired)
		}
		return w.Flush()
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Retire the active signing key and activate a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		k, err := c.RotateKey(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ New signing key %s\n", k.KID)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysRotateCmd)
}

// ── anomalies ────────────────────────────────────────────────────────────────

var (
	anomaliesOpen  bool
	anomaliesLimit int
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.Anomalies(cmd.Context(), anomaliesOpen, anomaliesLimit)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(list)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tSOURCE\tDETECTED\tRESOLVED")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				a.ID, a.Type, a.Severity, a.SourceComponent, a.DetectedAt.Format(time.RFC3339), a.Resolved)
		}
		return w.Flush()
	},
}

var anomaliesHealCmd = &cobra.Command{
	Use:   "heal <anomaly-id>",
	Short: "Run one remediation attempt for an anomaly now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		att, err := c.Heal(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(att)
		}
		fmt.Printf("Attempt %d: %s -> %s (%s)\n", att.Number, att.ActionTaken, att.Status, att.Outcome)
		if att.Details != "" {
			fmt.Printf("  %s\n", att.Details)
		}
		return nil
	},
}

func init() {
	anomaliesCmd.Flags().BoolVar(&anomaliesOpen, "open", false, "Only unresolved anomalies")
	anomaliesCmd.Flags().IntVar(&anomaliesLimit, "limit", 50, "Maximum number of anomalies")
	anomaliesCmd.AddCommand(anomaliesHealCmd)
}

// ── audit ────────────────────────────────────────────────────────────────────

var (
	auditStore string
	auditFrom  int64
)

var auditCmd = &cobra.Command{
	Use:   "audit <path>",
	Short: "Verify a ledger file or SQLite database offline",
	Long: `audit opens a ledger written by trustd's file or sqlite store and walks
the hash chain locally. Nothing is appended.`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditStore, "store", "file", "Store type: file or sqlite")
	auditCmd.Flags().Int64Var(&auditFrom, "from", 0, "First sequence number to verify")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}

	var store trustledger.Store
	switch auditStore {
	case "file":
		fs, err := trustledger.OpenFileStore(args[0])
		if err != nil {
			return err
		}
		defer fs.Close()
		store = fs
	case "sqlite":
		s, err := trustledger.OpenSQLiteStore(ctx, "file:"+args[0])
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	default:
		return fmt.Errorf("unknown store %q", auditStore)
	}

	res, err := trustledger.New(store, trustledger.Config{}, zap.NewNop()).VerifyChain(ctx, auditFrom)
	if err != nil {
		return err
	}
	if outFormat == "json" {
		return printJSON(res)
	}
	printVerify(res.ChainIntegrity, res.TotalEntries, res.VerifiedEntries, len(res.Issues))
	for _, is := range res.Issues {
		fmt.Printf("  seq %-6d %-20s %s\n", is.Sequence, is.Reason, is.Detail)
	}
	if !res.ChainIntegrity {
		return errors.New("chain integrity check failed")
	}
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trustctl %s\n", version)
	},
}
