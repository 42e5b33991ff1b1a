package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/stratafi/strata-backend/cmd/initializer/pkg"
	"github.com/stratafi/strata-backend/internal/initializer"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/utils"
)

func main() {
	var (
		out           = flag.String("out", "", "output path (default <repo root>/cmd/initializer/genesis.json)")
		force         = flag.Bool("force", false, "overwrite an existing genesis file")
		admin         = flag.String("admin", "strata-admin", "protocol admin address")
		operator      = flag.String("operator", "strata-operator", "pool operator address")
		creditService = flag.String("credit-service", "strata-credit", "credit service address")
		ownerTreasury = flag.String("owner-treasury", "strata-owner-treasury", "pool owner treasury address")
		evalAgent     = flag.String("eval-agent", "strata-eval-agent", "evaluation agent address")
		protoTreasury = flag.String("protocol-treasury", "strata-protocol-treasury", "protocol treasury address")
		juniorLender  = flag.String("junior-lender", "strata-junior-seed", "seed junior lender address")
		seniorLender  = flag.String("senior-lender", "strata-senior-seed", "seed senior lender address")
		seedJunior    = flag.Int64("seed-junior", 1_000_000, "junior seed deposit")
		seedSenior    = flag.Int64("seed-senior", 3_000_000, "senior seed deposit")
		coverProvider = flag.String("cover-provider", "strata-cover-seed", "seed cover provider address")
		seedCover     = flag.Int64("seed-cover", 200_000, "cover seed deposit")
	)
	flag.Parse()

	path := *out
	if path == "" {
		root, err := utils.GitRoot("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot resolve repo root (pass -out): %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(root, "cmd", "initializer", "genesis.json")
	}

	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", path)
			os.Exit(1)
		}
	}

	now := time.Now().UTC()
	doc, err := initializer.DefaultDocument(initializer.Params{
		Admin:             *admin,
		Operator:          *operator,
		CreditService:     *creditService,
		PoolOwnerTreasury: *ownerTreasury,
		EvaluationAgent:   *evalAgent,
		ProtocolTreasury:  *protoTreasury,
		JuniorLender:      *juniorLender,
		SeniorLender:      *seniorLender,
		SeedJunior:        big.NewInt(*seedJunior),
		SeedSenior:        big.NewInt(*seedSenior),
		CoverProvider:     *coverProvider,
		SeedCover:         big.NewInt(*seedCover),
		EpochStart:        now,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build genesis: %v\n", err)
		os.Exit(1)
	}

	// Prove the document applies cleanly before writing anything.
	snap, err := initializer.DryRun(doc, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dry run: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("epoch id:       ", snap.Epoch.ID)
	fmt.Println("epoch ends:     ", snap.Epoch.EndTime.Format(time.RFC3339))
	fmt.Println("senior assets:  ", snap.Tranches[pool.TrancheSenior].TotalAssets)
	fmt.Println("junior assets:  ", snap.Tranches[pool.TrancheJunior].TotalAssets)
	fmt.Println("safe balance:   ", snap.SafeBalance)
	for _, cover := range snap.Covers {
		fmt.Printf("cover %q:  %s\n", cover.Name, cover.TotalAssets)
	}

	if err := pkg.WriteGenesis(path, doc); err != nil {
		fmt.Fprintf(os.Stderr, "write genesis: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("genesis written to %s\n", path)
}
