package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"gopkg.in/urfave/cli.v1"

	app "github.com/R3E-Network/lottery_layer/internal/app"
	"github.com/R3E-Network/lottery_layer/internal/config"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
	"github.com/R3E-Network/lottery_layer/pkg/testutil"
)

var simulateCommand = cli.Command{
	Name:  "simulate",
	Usage: "open a round, enter players, close it and settle it",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "YAML config file; authority and VRF key default to local accounts"},
		cli.IntFlag{Name: "players", Value: 3, Usage: "number of local accounts to enter"},
		cli.StringFlag{Name: "randomness", Usage: "deliver this value instead of running the VRF fulfiller"},
		cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "how long to wait for settlement"},
		cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log level"},
	},
	Action: func(c *cli.Context) error {
		cfg := config.Default()
		if path := c.String("config"); path != "" {
			loaded, err := config.Load(path, "")
			if err != nil {
				return err
			}
			cfg = loaded
		}
		cfg.Logging.Level = c.String("log-level")

		opts := simulation{
			Players: c.Int("players"),
			Timeout: c.Duration("timeout"),
		}
		if raw := c.String("randomness"); raw != "" {
			v, err := uint256.FromDecimal(raw)
			if err != nil {
				return fmt.Errorf("invalid randomness %q: %w", raw, err)
			}
			opts.Randomness = v
		}
		_, err := simulate(context.Background(), cfg, opts, c.App.Writer)
		return err
	},
}

// simulation describes one end-to-end round.
type simulation struct {
	Players int
	// Randomness is delivered through the coordinator callback when set;
	// otherwise the coordinator's fulfiller produces a verifiable value.
	Randomness *uint256.Int
	Timeout    time.Duration
}

// simulate runs one round on a fresh in-process deployment using the
// deterministic local accounts: account 0 is the authority and accounts 1..N
// are the players.
func simulate(ctx context.Context, cfg config.Config, opts simulation, out io.Writer) (lottery.RoundResult, error) {
	if opts.Players <= 0 {
		return lottery.RoundResult{}, errors.New("at least one player is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if cfg.Lottery.Authority == "" {
		cfg.Lottery.Authority = address.Uint160ToString(testutil.Account(0))
	}
	if cfg.VRF.PrivateKey == "" {
		cfg.VRF.PrivateKey = testutil.Key(99).WIF()
	}
	authority, err := cfg.Lottery.AuthorityAddress()
	if err != nil {
		return lottery.RoundResult{}, err
	}

	log := logger.New(cfg.Logging).Named("lotteryctl")
	application, err := app.New(ctx, cfg, app.Stores{}, log)
	if err != nil {
		return lottery.RoundResult{}, err
	}
	if opts.Randomness == nil {
		if err := application.Start(ctx); err != nil {
			return lottery.RoundResult{}, err
		}
	}
	defer func() { _ = application.Stop(context.Background()) }()

	lot := application.Lottery
	ledger := application.Ledger

	fee, err := lot.EntranceFee(ctx)
	if err != nil {
		return lottery.RoundResult{}, err
	}
	fmt.Fprintf(out, "lottery %s, entrance fee %s\n", address.Uint160ToString(lot.Address()), fee.Dec())

	vrfFee := application.Coordinator.Fee()
	if err := ledger.Deposit(ctx, gasbank.AssetFeeToken, authority, vrfFee); err != nil {
		return lottery.RoundResult{}, err
	}
	if err := lot.FundRandomness(ctx, authority, vrfFee); err != nil {
		return lottery.RoundResult{}, err
	}

	if err := lot.Open(ctx, authority); err != nil {
		return lottery.RoundResult{}, err
	}
	for _, player := range testutil.Accounts(opts.Players + 1)[1:] {
		if err := ledger.Deposit(ctx, gasbank.AssetNative, player, fee); err != nil {
			return lottery.RoundResult{}, err
		}
		if err := lot.Enter(ctx, player, fee); err != nil {
			return lottery.RoundResult{}, fmt.Errorf("enter %s: %w", address.Uint160ToString(player), err)
		}
		fmt.Fprintf(out, "entered %s\n", address.Uint160ToString(player))
	}

	id, err := lot.Close(ctx, authority)
	if err != nil {
		return lottery.RoundResult{}, err
	}
	fmt.Fprintf(out, "closed round %d, randomness request %s\n", lot.Round(), id.StringLE())

	if opts.Randomness != nil {
		if err := application.Coordinator.CallBackWithRandomness(ctx, id, opts.Randomness); err != nil {
			return lottery.RoundResult{}, err
		}
	} else if err := waitSettled(ctx, application.History, lot.Round(), opts.Timeout); err != nil {
		return lottery.RoundResult{}, err
	}

	result, err := application.History.GetResult(ctx, lot.Round())
	if err != nil {
		return lottery.RoundResult{}, err
	}
	if opts.Randomness == nil {
		req, ok := application.Coordinator.Request(id)
		if !ok {
			return lottery.RoundResult{}, fmt.Errorf("request %s vanished", id.StringLE())
		}
		if err := application.Coordinator.VerifyProof(req); err != nil {
			return lottery.RoundResult{}, err
		}
		fmt.Fprintln(out, "randomness proof verified")
	}
	fmt.Fprintf(out, "winner %s (index %d) won %s with randomness %s\n",
		address.Uint160ToString(result.Winner), result.WinnerIndex, result.Prize.Dec(), result.Randomness.Dec())
	fmt.Fprintf(out, "winner balance %s\n", ledger.Balance(gasbank.AssetNative, result.Winner).Dec())
	return result, nil
}

// waitSettled polls the history store until round has been recorded.
func waitSettled(ctx context.Context, history lottery.Store, round uint64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := history.GetResult(ctx, round)
		if err == nil {
			return nil
		}
		if !errors.Is(err, lottery.ErrResultNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("round %d not settled: %w", round, ctx.Err())
		case <-ticker.C:
		}
	}
}
