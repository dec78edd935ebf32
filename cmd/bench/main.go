// bench runs a synthetic transfer workload through the parallel
// execution engine and compares it against sequential execution, both
// for result equivalence and for wall-clock time.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/spf13/cobra"

	"github.com/blockstm-go/blockstm/config"
	"github.com/blockstm-go/blockstm/exec"
	"github.com/blockstm-go/blockstm/storage"
	"github.com/blockstm-go/blockstm/storage/leveldb"
)

var (
	configPath  string
	numTxns     int
	numAccounts int
	hotRatio    float64
	rounds      int
	concurrency int
	seed        int64
	pprofAddr   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bench",
		Short: "benchmark parallel vs sequential batch execution",
		RunE:  runBench,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.Flags().IntVar(&numTxns, "txns", 1000, "transactions per batch")
	rootCmd.Flags().IntVar(&numAccounts, "accounts", 200, "number of accounts")
	rootCmd.Flags().Float64Var(&hotRatio, "hot", 0.1, "probability a transfer touches the hot account")
	rootCmd.Flags().IntVar(&rounds, "rounds", 10, "measured rounds")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker threads, 0 for all cores")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "workload random seed")
	rootCmd.Flags().StringVar(&pprofAddr, "pprof", "", "pprof listen address, empty to disable")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type transfer struct {
	from, to string
	amount   uint64
}

// transferVM interprets transfer transactions against a read view.
type transferVM struct {
	txns []transfer
}

func (vm *transferVM) Execute(view *exec.ExecutionView, txnIdx exec.TxnIndex) (exec.ExecutionStatus, error) {
	t := vm.txns[txnIdx]
	fromVal, err := view.Get(t.from)
	if err != nil {
		return exec.ExecutionStatus{}, err
	}
	toVal, err := view.Get(t.to)
	if err != nil {
		return exec.ExecutionStatus{}, err
	}
	from, to := decodeBalance(fromVal), decodeBalance(toVal)
	if from < t.amount {
		return exec.NewAbort(), nil
	}
	return exec.NewSuccess(map[exec.StorageKey]exec.StorageValue{
		t.from: encodeBalance(from - t.amount),
		t.to:   encodeBalance(to + t.amount),
	}), nil
}

func encodeBalance(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeBalance(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func accountKey(i int) string {
	return fmt.Sprintf("acct:%06d", i)
}

func runBench(cmd *cobra.Command, args []string) error {
	conf := config.DefaultConf
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		conf = *loaded
	}
	if concurrency > 0 {
		conf.Concurrency = concurrency
	}
	if conf.LogLevel != "" {
		log.SetLevelByString(conf.LogLevel)
	}
	if pprofAddr != "" {
		go func() {
			log.Infof("pprof listening on %s", pprofAddr)
			log.Error(http.ListenAndServe(pprofAddr, nil))
		}()
	}

	backend, cleanup, err := openBackend(&conf)
	if err != nil {
		return err
	}
	defer cleanup()

	rng := rand.New(rand.NewSource(seed))
	txns := makeWorkload(rng)
	vm := &transferVM{txns: txns}

	var parDurations, seqDurations []float64
	for round := 0; round < rounds; round++ {
		start := time.Now()
		executor := exec.NewBlockExecutor(vm, backend, len(txns), exec.Options{
			Concurrency:     conf.Concurrency,
			Shards:          conf.Shards,
			ModuleKeyPrefix: conf.ModuleKeyPrefix,
		})
		out, err := executor.ExecuteBlock()
		if err != nil {
			return err
		}
		parDurations = append(parDurations, float64(time.Since(start).Microseconds()))

		start = time.Now()
		seqState := runSequential(backend, vm, len(txns))
		seqDurations = append(seqDurations, float64(time.Since(start).Microseconds()))

		if err := compareStates(out.State, seqState); err != nil {
			return err
		}
	}

	report("parallel", parDurations)
	report("sequential", seqDurations)
	pm, _ := stats.Mean(parDurations)
	sm, _ := stats.Mean(seqDurations)
	if pm > 0 {
		log.Infof("speedup: %.2fx over %d rounds", sm/pm, rounds)
	}
	return nil
}

func openBackend(conf *config.Config) (storage.Backend, func(), error) {
	if conf.DBPath == "" {
		mem := storage.NewMemBackend()
		for i := 0; i < numAccounts; i++ {
			mem.Put(accountKey(i), encodeBalance(1_000_000))
		}
		return mem, func() {}, nil
	}
	db, err := leveldb.Open(conf.DBPath)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < numAccounts; i++ {
		if err := db.Put(accountKey(i), encodeBalance(1_000_000)); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return db, func() { db.Close() }, nil
}

func makeWorkload(rng *rand.Rand) []transfer {
	txns := make([]transfer, numTxns)
	for i := range txns {
		from := rng.Intn(numAccounts)
		to := rng.Intn(numAccounts)
		if rng.Float64() < hotRatio {
			to = 0 // hot account, forces conflicts
		}
		txns[i] = transfer{
			from:   accountKey(from),
			to:     accountKey(to),
			amount: uint64(rng.Intn(1000)),
		}
	}
	return txns
}

// runSequential is the reference execution: strict input order, direct
// state overlay, no speculation.
func runSequential(backend storage.Backend, vm *transferVM, n int) map[string][]byte {
	state := make(map[string][]byte)
	get := func(key string) []byte {
		if v, ok := state[key]; ok {
			return v
		}
		v, _ := backend.Get(key)
		return v
	}
	for i := 0; i < n; i++ {
		t := vm.txns[i]
		from, to := decodeBalance(get(t.from)), decodeBalance(get(t.to))
		if from < t.amount {
			continue
		}
		state[t.from] = encodeBalance(from - t.amount)
		state[t.to] = encodeBalance(to + t.amount)
	}
	return state
}

func compareStates(parallel []exec.KeyValue, sequential map[string][]byte) error {
	for _, kv := range parallel {
		want, ok := sequential[kv.Key]
		if !ok {
			// Keys only read, never written, also show up in the engine
			// snapshot; their value must match the backend's base value.
			continue
		}
		if decodeBalance(kv.Value) != decodeBalance(want) {
			return fmt.Errorf("divergence at key %s: parallel %d, sequential %d",
				kv.Key, decodeBalance(kv.Value), decodeBalance(want))
		}
		delete(sequential, kv.Key)
	}
	if len(sequential) != 0 {
		return fmt.Errorf("sequential state has %d keys missing from parallel snapshot", len(sequential))
	}
	return nil
}

func report(name string, durations []float64) {
	min, _ := stats.Min(durations)
	mean, _ := stats.Mean(durations)
	median, _ := stats.Median(durations)
	p95, _ := stats.Percentile(durations, 95)
	log.Infof("%-10s min %.0fus  mean %.0fus  median %.0fus  p95 %.0fus", name, min, mean, median, p95)
}
