package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/backend"
	"github.com/sovereign-ledger/sovereign/internal/bundle"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/keyring"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
	"github.com/sovereign-ledger/sovereign/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes name the class of failure so scripts can branch on them.
const (
	exitChainViolation      = 2
	exitAnchorViolation     = 3
	exitContinuityViolation = 4
)

var (
	cfgFile string
	dataDir string
	pinDir  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sledger",
	Short: "Sovereign audit ledger operator CLI",
	Long: `sledger is the operator command-line interface for the sovereign
audit ledger.

It verifies chain and anchor integrity, forces anchors, exports
compliance bundles, and manages the boot continuity pin. All commands
work directly on the ledger's data directory; only unfreeze talks to a
running daemon.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("ledgerd")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if dataDir == "" {
			dataDir = viper.GetString("ledger.data_dir")
		}
		if dataDir == "" {
			dataDir = "data"
		}
		if pinDir == "" {
			pinDir = viper.GetString("ledger.pin_dir")
		}
		if pinDir == "" {
			pinDir = "/var/lib/sovereign"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledgerd.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "ledger data directory")
	rootCmd.PersistentFlags().StringVar(&pinDir, "pin-dir", "", "continuity pin directory")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger opens the on-disk stores read-write for offline operations.
func openLedger() (*ledger.Ledger, ledger.Store, anchor.Store, *genesis.Identity, func(), error) {
	id, err := genesis.Load(dataDir)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("load genesis identity: %w", err)
	}

	entryStore, err := ledger.OpenSQLiteStore(filepath.Join(dataDir, "ledger.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open ledger store: %w", err)
	}
	anchorStore, err := anchor.OpenSQLiteStore(filepath.Join(dataDir, "anchors.db"))
	if err != nil {
		entryStore.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("open anchor store: %w", err)
	}
	closer := func() {
		entryStore.Close()
		anchorStore.Close()
	}

	interval := viper.GetInt("ledger.rotation_interval")
	if interval <= 0 {
		interval = keyring.DefaultRotationInterval
	}
	l, err := ledger.New(context.Background(), entryStore, keyring.New(id.HMACSeed(), interval), zap.NewNop())
	if err != nil {
		closer()
		return nil, nil, nil, nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, entryStore, anchorStore, id, closer, nil
}

// timestamping resolves the configured timestamp authority: a remote client
// when tsa.mode is remote, otherwise the co-located key in the data dir.
func timestamping() (tsa.Provider, ed25519.PublicKey, error) {
	if viper.GetString("tsa.mode") == "remote" {
		url := viper.GetString("tsa.url")
		pub, err := hex.DecodeString(viper.GetString("tsa.public_key"))
		if err != nil || len(pub) != ed25519.PublicKeySize || url == "" {
			return nil, nil, errors.New("remote tsa requires tsa.url and a 32-byte hex tsa.public_key")
		}
		return tsa.NewClient(url, pub, 0), pub, nil
	}

	key, err := tsa.LoadOrCreateKey(filepath.Join(dataDir, "tsa.key"))
	if err != nil {
		return nil, nil, fmt.Errorf("load tsa key: %w", err)
	}
	authority := tsa.NewAuthority(key, "sovereign-local")
	return authority, authority.PublicKey(), nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom uint64
	verifyTo   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain and anchor integrity",
	Long: `Verify recomputes every hash link and HMAC tag in the ledger, then
walks the anchor chain and checks each anchor's Merkle root, genesis
signature, and timestamp token against the covered entries.

Exit codes: 0 intact, 2 chain integrity violation, 3 anchor violation.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence number to check")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last sequence number to check (0 = head)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	l, _, anchorStore, id, closer, err := openLedger()
	if err != nil {
		return err
	}
	defer closer()

	ctx := context.Background()
	n, err := l.Len(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("ledger is empty, nothing to verify")
		return nil
	}

	to := verifyTo
	if to == 0 || to >= n {
		to = n - 1
	}

	res, err := l.VerifyChain(ctx, verifyFrom, to)
	if err != nil {
		return err
	}
	if !res.Valid {
		fmt.Fprintf(os.Stderr, "CHAIN INTEGRITY VIOLATION at entry %d: %s\n", *res.FirstFailure, res.Reason)
		os.Exit(exitChainViolation)
	}
	fmt.Printf("chain intact: %d entries verified, head %s\n", res.Checked, l.Head())

	provider, tsaPub, err := timestamping()
	if err != nil {
		return err
	}
	mgr := anchor.NewManager(anchor.Config{}, l, anchorStore, nil,
		provider, tsaPub, tsa.NewGuard(time.Time{}, time.Hour, zap.NewNop()), id, zap.NewNop())

	if err := mgr.VerifyAnchors(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ANCHOR VIOLATION: %v\n", err)
		os.Exit(exitAnchorViolation)
	}

	anchors, err := anchorStore.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("anchor chain intact: %d anchors verified\n", len(anchors))
	return nil
}

// ── anchor ───────────────────────────────────────────────────────────────────

var anchorDirs []string

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Force an anchor over all uncovered entries",
	Long: `Anchor builds a Merkle tree over every entry not yet covered by an
anchor, signs the root with the genesis key, timestamps it with the
local authority, and replicates the anchor record to the given backend
directories.`,
	RunE: runAnchor,
}

func init() {
	anchorCmd.Flags().StringSliceVar(&anchorDirs, "backend-dir", nil, "filesystem backend directory (repeatable; default <data-dir>/anchors)")
}

func runAnchor(cmd *cobra.Command, args []string) error {
	l, _, anchorStore, id, closer, err := openLedger()
	if err != nil {
		return err
	}
	defer closer()

	dirs := anchorDirs
	if len(dirs) == 0 {
		dirs = []string{filepath.Join(dataDir, "anchors")}
	}
	var backends []backend.Backend
	for _, dir := range dirs {
		fs, err := backend.NewFilesystem(dir)
		if err != nil {
			return fmt.Errorf("backend %q: %w", dir, err)
		}
		backends = append(backends, fs)
	}

	provider, tsaPub, err := timestamping()
	if err != nil {
		return err
	}

	var lastAccepted time.Time
	if latest, err := anchorStore.Latest(context.Background()); err == nil {
		lastAccepted = latest.TSATime
	} else if !errors.Is(err, anchor.ErrNoAnchors) {
		return err
	}

	mgr := anchor.NewManager(anchor.Config{}, l, anchorStore, backends,
		provider, tsaPub,
		tsa.NewGuard(lastAccepted, tsa.DefaultSkewWindow, zap.NewNop()), id, zap.NewNop())

	a, err := mgr.ForceAnchor(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ANCHOR\t%s\n", a.ID)
	fmt.Fprintf(w, "RANGE\t%d-%d\n", a.BatchStart, a.BatchEnd)
	fmt.Fprintf(w, "ROOT\t%s\n", a.MerkleRoot)
	fmt.Fprintf(w, "TIME\t%s\n", a.TSATime.Format(time.RFC3339))
	fmt.Fprintf(w, "BACKENDS\t%d\n", len(a.Receipts))
	return w.Flush()
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportOut  string
	exportFrom uint64
	exportTo   uint64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a compliance bundle",
	Long: `Export writes a self-contained JSON bundle: entries, covering
anchors, public keys, and the continuity pin. The bundle verifies
offline with no access to this host.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "sovereign-bundle.json", "output file")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "first sequence number to include")
	exportCmd.Flags().Uint64Var(&exportTo, "to", ^uint64(0), "last sequence number to include (default head)")
}

func runExport(cmd *cobra.Command, args []string) error {
	l, _, anchorStore, id, closer, err := openLedger()
	if err != nil {
		return err
	}
	defer closer()

	_, tsaPub, err := timestamping()
	if err != nil {
		return err
	}

	pin, err := continuity.Load(pinDir)
	if err != nil && !errors.Is(err, continuity.ErrNoPin) {
		return err
	}

	x := &bundle.Exporter{
		Ledger:   l,
		Anchors:  anchorStore,
		Identity: id,
		TSAPub:   tsaPub,
		Pin:      pin,
	}
	b, err := x.Export(context.Background(), exportFrom, exportTo)
	if err != nil {
		return err
	}

	f, err := os.Create(exportOut)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := b.WriteTo(f); err != nil {
		return err
	}
	fmt.Printf("wrote %s: entries %d-%d, %d anchors\n", exportOut, b.Entries[0].Seq, b.HeadSeq, len(b.Anchors))
	return nil
}

// ── pin ──────────────────────────────────────────────────────────────────────

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the boot continuity pin",
}

var pinShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the recorded continuity pin",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := continuity.Load(pinDir)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "GENESIS ID\t%s\n", p.GenesisID)
		fmt.Fprintf(w, "PUBLIC KEY HASH\t%s\n", p.PublicKeyHash)
		return w.Flush()
	},
}

var pinVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the live genesis identity against the pin",
	Long: `Verify compares the genesis identity in the data directory with the
recorded pin.

Exit code 4 signals a continuity violation: the data directory no
longer belongs to the pinned lineage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := genesis.Load(dataDir)
		if err != nil {
			return fmt.Errorf("load genesis identity: %w", err)
		}
		if _, err := continuity.Verify(pinDir, id, zap.NewNop()); err != nil {
			var v *continuity.Violation
			if errors.As(err, &v) {
				fmt.Fprintf(os.Stderr, "CONTINUITY VIOLATION: %v\n", v)
				os.Exit(exitContinuityViolation)
			}
			return err
		}
		fmt.Printf("continuity intact: genesis %s matches pin\n", id.ID())
		return nil
	},
}

var pinOperator string

var pinRepinCmd = &cobra.Command{
	Use:   "repin",
	Short: "Replace the pin with the live genesis identity",
	Long: `Repin accepts the current data directory as a new lineage. This is
the explicit operator escape hatch after an intentional genesis
replacement; it is always logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pinOperator == "" {
			return errors.New("--operator is required")
		}
		id, err := genesis.Load(dataDir)
		if err != nil {
			return fmt.Errorf("load genesis identity: %w", err)
		}
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck
		p, err := continuity.Repin(pinDir, id, pinOperator, logger)
		if err != nil {
			return err
		}
		fmt.Printf("pinned new lineage: genesis %s\n", p.GenesisID)
		return nil
	},
}

func init() {
	pinRepinCmd.Flags().StringVar(&pinOperator, "operator", "", "operator identity to record (required)")
	pinCmd.AddCommand(pinShowCmd)
	pinCmd.AddCommand(pinVerifyCmd)
	pinCmd.AddCommand(pinRepinCmd)
}

// ── unfreeze ─────────────────────────────────────────────────────────────────

var (
	unfreezeServer   string
	unfreezeOperator string
)

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze",
	Short: "Clear a frozen ledger on a running daemon",
	Long: `Unfreeze asks a running ledgerd to accept appends again after an
integrity freeze. The operator identity is recorded in the daemon's
log. If the underlying violation was not repaired, the next
verification freezes the ledger again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if unfreezeOperator == "" {
			return errors.New("--operator is required")
		}
		if err := client.New(unfreezeServer).Unfreeze(context.Background(), unfreezeOperator); err != nil {
			return err
		}
		fmt.Println("ledger unfrozen")
		return nil
	},
}

func init() {
	unfreezeCmd.Flags().StringVar(&unfreezeServer, "server", "http://localhost:8080", "ledgerd base URL")
	unfreezeCmd.Flags().StringVar(&unfreezeOperator, "operator", "", "operator identity to record (required)")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sledger version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sledger %s\n", version)
	},
}
