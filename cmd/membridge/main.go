// Package main is the memory bridge command-line tool, a thin caller of the
// bridge package for shell scripts and humans poking at the shared store.
//
// Usage:
//
//	membridge store -key phase -value design -scope team
//	membridge get -key phase
//	membridge search -query deploy
//	membridge stats -json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/teambrain/memorybridge/bridge"
	"github.com/teambrain/memorybridge/config"
	"github.com/teambrain/memorybridge/logging"
	"github.com/teambrain/memorybridge/scope"
)

const (
	version = "0.1.0"
	appName = "membridge"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "store":
		err = runStore(args)
	case "get":
		err = runGet(args)
	case "delete":
		err = runDelete(args)
	case "search":
		err = runSearch(args)
	case "list":
		err = runList(args)
	case "clear":
		err = runClear(args)
	case "stats":
		err = runStats(args)
	case "configure":
		err = runConfigure(args)
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s, shared memory for agent fleets

Usage:
  %s <command> [flags]

Commands:
  store      Store a value (-key, -value, -scope, -meta)
  get        Retrieve a value (-key, -scope, -default)
  delete     Delete a memory (-key, -scope)
  search     Case-insensitive substring search (-query, -scope)
  list       List memories (-scope, -owner)
  clear      Delete every private memory of the configured agent
  stats      Show store statistics
  configure  Write the config file (agent name, database path, log level)
  version    Print version
  help       Show this help

Common flags:
  -agent     Agent identity (default: MEMBRIDGE_AGENT or config file)
  -db        Database path (default: MEMBRIDGE_DB, config file, or data dir)
  -json      Machine-readable JSON output

Environment variables:
  MEMBRIDGE_AGENT  Agent identity
  MEMBRIDGE_DB     Database path (default: $MEMBRIDGE_DATA/membridge.db)
  MEMBRIDGE_DATA   Data directory (default: ~/.membridge)
  MEMBRIDGE_LOG    Log level: debug, info, warn, error (default: info)

`, appName, version, appName)
}

// commonFlags are shared by every command that opens the store.
type commonFlags struct {
	agent *string
	db    *string
	json  *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		agent: fs.String("agent", "", "agent identity"),
		db:    fs.String("db", "", "database path"),
		json:  fs.Bool("json", false, "JSON output"),
	}
}

// openBridge resolves configuration (flags beat env beats config file) and
// opens a bridge for the resulting identity and database path.
func openBridge(cf *commonFlags) (*bridge.Bridge, error) {
	cfg, err := config.Resolve()
	if err != nil {
		return nil, err
	}

	agent := cfg.Agent
	if *cf.agent != "" {
		agent = *cf.agent
	}
	if agent == "" {
		return nil, fmt.Errorf("no agent identity: pass -agent, set %s, or run: %s configure", config.AgentEnv, appName)
	}
	dbPath := cfg.DBPath
	if *cf.db != "" {
		dbPath = *cf.db
	}

	log := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	return bridge.New(agent, bridge.WithPath(dbPath), bridge.WithLogger(log))
}

func runStore(args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "logical key (required)")
	value := fs.String("value", "", "value, parsed as JSON when it parses, else stored as text")
	scopeFlag := fs.String("scope", "agent", "agent, team or global")
	meta := fs.String("meta", "", "metadata as a JSON object")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	if !flagWasSet(fs, "value") {
		return fmt.Errorf("-value is required")
	}
	metadata, err := parseMeta(*meta)
	if err != nil {
		return err
	}

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	fq, err := b.Store(context.Background(), *key, parseValue(*value), scope.Scope(*scopeFlag), metadata)
	if err != nil {
		return err
	}
	if *cf.json {
		return printJSON(map[string]string{"key": fq})
	}
	fmt.Println(fq)
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "logical key (required)")
	scopeFlag := fs.String("scope", "", "restrict lookup to one scope")
	def := fs.String("default", "", "value to print when the key is missing")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := context.Background()
	if flagWasSet(fs, "default") {
		v, err := b.GetOr(ctx, *key, scope.Scope(*scopeFlag), parseValue(*def))
		if err != nil {
			return err
		}
		if *cf.json {
			return printJSON(v)
		}
		fmt.Println(renderValue(v))
		return nil
	}

	mem, err := b.Get(ctx, *key, scope.Scope(*scopeFlag))
	if err != nil {
		return err
	}
	if *cf.json {
		return printJSON(mem)
	}
	fmt.Println(renderValue(mem.Value))
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "logical key (required)")
	scopeFlag := fs.String("scope", "", "restrict deletion to one scope")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Delete(context.Background(), *key, scope.Scope(*scopeFlag)); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", *key)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cf := addCommonFlags(fs)
	query := fs.String("query", "", "substring to search for (required)")
	scopeFlag := fs.String("scope", "", "restrict search to one scope")
	fs.Parse(args)

	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	mems, err := b.Search(context.Background(), *query, scope.Scope(*scopeFlag))
	if err != nil {
		return err
	}
	return printMemories(mems, *cf.json)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := addCommonFlags(fs)
	scopeFlag := fs.String("scope", "", "filter by scope")
	owner := fs.String("owner", "", "filter by owner")
	fs.Parse(args)

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	mems, err := b.List(context.Background(), scope.Scope(*scopeFlag), *owner)
	if err != nil {
		return err
	}
	return printMemories(mems, *cf.json)
}

func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(args)

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.ClearAgentMemories(context.Background())
	if err != nil {
		return err
	}
	if *cf.json {
		return printJSON(map[string]int64{"cleared": n})
	}
	fmt.Printf("cleared %d memories for %s\n", n, b.Agent())
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(args)

	b, err := openBridge(cf)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := b.Stats(context.Background())
	if err != nil {
		return err
	}
	if *cf.json {
		return printJSON(st)
	}

	fmt.Printf("memories:    %d\n", st.Total)
	fmt.Printf("total reads: %d\n", st.TotalAccesses)
	if len(st.ByScope) > 0 {
		fmt.Println("by scope:")
		for _, sc := range []scope.Scope{scope.Agent, scope.Team, scope.Global} {
			if n, ok := st.ByScope[sc]; ok {
				fmt.Printf("  %-8s %d\n", sc, n)
			}
		}
	}
	if len(st.ByOwner) > 0 {
		fmt.Println("by owner:")
		owners := make([]string, 0, len(st.ByOwner))
		for o := range st.ByOwner {
			owners = append(owners, o)
		}
		sort.Strings(owners)
		for _, o := range owners {
			fmt.Printf("  %-8s %d\n", o, st.ByOwner[o])
		}
	}
	if st.MostAccessed != nil {
		fmt.Printf("most read:   %s (%d reads)\n", st.MostAccessed.Key, st.MostAccessed.AccessCount)
	}
	return nil
}

// flagWasSet reports whether the named flag appeared on the command line,
// distinguishing an explicit empty value from an absent flag.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// parseValue decodes raw as JSON when the whole string parses, keeping
// numbers distinct from their spellings; anything else is stored as text.
func parseValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if dec.More() {
		return raw
	}
	return v
}

func parseMeta(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse -meta: %w", err)
	}
	return m, nil
}

// renderValue prints scalars bare and composites as JSON.
func renderValue(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string, bool, int64, uint64, float64, json.Number:
		return fmt.Sprintf("%v", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func printMemories(mems []bridge.Memory, asJSON bool) error {
	if asJSON {
		return printJSON(mems)
	}
	if len(mems) == 0 {
		fmt.Println("no memories")
		return nil
	}
	for i := range mems {
		m := &mems[i]
		fmt.Printf("%-32s  %-6s  %-10s  reads=%-4d  %s\n",
			m.Key, m.Scope, m.Owner, m.AccessCount, renderValue(m.Value))
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
