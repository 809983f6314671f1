// catalogctl is a small operator CLI over the storage engine: drive
// lifecycle, sync from a record stream, search, backups and recovery.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	catalog "github.com/mwantia/drivecatalog"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/store"
)

func main() {
	// Optional; a missing .env is not an error.
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("CATALOG_CONFIG"), "path to yaml config")
	root := flag.String("root", os.Getenv("CATALOG_ROOT"), "storage root (overrides config)")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var opts []catalog.EngineOption
	engineRoot := *root

	if *configPath != "" {
		cfg, err := catalog.LoadConfig(*configPath)
		if err != nil {
			fatal("load config: %v", err)
		}
		opts = cfg.Options()
		if engineRoot == "" {
			engineRoot = cfg.Root
		}
	}
	if engineRoot == "" {
		fatal("no storage root: set -root, CATALOG_ROOT or root in the config file")
	}

	engine, err := catalog.New(engineRoot, opts...)
	if err != nil {
		fatal("open engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	args := flag.Args()

	if err := run(ctx, engine, args[0], args[1:]); err != nil {
		fatal("%v", err)
	}
}

func run(ctx context.Context, engine *catalog.Engine, cmd string, args []string) error {
	switch cmd {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: add <name> <path>")
		}
		record, err := engine.AddDrive(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(record.ID)
		return nil

	case "remove":
		if len(args) < 1 {
			return fmt.Errorf("usage: remove <drive-id>")
		}
		return engine.RemoveDrive(ctx, args[0])

	case "list":
		drives, err := engine.ListDrives(ctx)
		if err != nil {
			return err
		}
		for _, d := range drives {
			fmt.Printf("%s  %-20s gen=%-6s %s\n", d.ID, d.Name, store.GenerationTag(d.Generation), d.Path)
		}
		return nil

	case "sync":
		if len(args) < 2 {
			return fmt.Errorf("usage: sync <drive-id> <records.jsonl>")
		}
		return syncFromFile(ctx, engine, args[0], args[1])

	case "search":
		if len(args) < 1 {
			return fmt.Errorf("usage: search <query>")
		}
		result := engine.Search(ctx, args[0], store.SearchOptions{Limit: 50, HideSystemFiles: true})
		fmt.Printf("mode=%s total=%d\n", result.Mode, result.Total)
		for _, row := range result.Rows {
			fmt.Printf("%s\t%s\n", row.DriveID, row.Path)
		}
		return nil

	case "backup":
		if len(args) < 1 {
			return fmt.Errorf("usage: backup <drive-id>")
		}
		record, err := engine.Backup(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d bytes)\n", record.ID, record.SizeBytes)
		return nil

	case "restore":
		if len(args) < 1 {
			return fmt.Errorf("usage: restore <drive-id>")
		}
		record, err := engine.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("restored generation %s\n", record.Generation)
		return nil

	case "backups":
		groups, err := engine.GroupBackupsByDrive(ctx)
		if err != nil {
			return err
		}
		for key, records := range groups {
			fmt.Printf("%s:\n", key)
			for _, r := range records {
				fmt.Printf("  %s  %d bytes  %s\n", r.ID, r.SizeBytes, r.CreatedAt.Format("2006-01-02 15:04"))
			}
		}
		return nil

	case "cleanup":
		removed, err := engine.CleanupBackups(ctx, 0)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d backups\n", removed)
		return nil

	case "rebuild":
		return engine.RebuildCatalogFromDriveStores(ctx)

	case "health":
		health, err := engine.SearchIndexHealth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("entries=%d drives=%d integrity_ok=%v size=%d\n",
			health.Entries, health.DrivesIndexed, health.IntegrityOK, health.SizeBytes)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// syncFromFile feeds a JSONL record stream (one FileRecord per line, the
// scanner's output format) through a full sync.
func syncFromFile(ctx context.Context, engine *catalog.Engine, driveID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := engine.BeginSync(ctx, driveID); err != nil {
		return err
	}

	const chunk = 10000
	batch := make([]data.FileRecord, 0, chunk)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var rec data.FileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			engine.AbortSync(ctx)
			return fmt.Errorf("bad record: %w", err)
		}

		batch = append(batch, rec)
		if len(batch) == chunk {
			if err := engine.AppendRecords(ctx, batch); err != nil {
				engine.AbortSync(ctx)
				return err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		engine.AbortSync(ctx)
		return err
	}

	if len(batch) > 0 {
		if err := engine.AppendRecords(ctx, batch); err != nil {
			engine.AbortSync(ctx)
			return err
		}
	}

	return engine.FinalizeSync(ctx)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: catalogctl [-config file] [-root dir] <command> [args]

commands:
  add <name> <path>              register a drive
  remove <drive-id>              delete a drive and its data
  list                           list drives
  sync <drive-id> <records.jsonl>  run a full sync from a record stream
  search <query>                 cross-drive search
  backup <drive-id>              snapshot the current generation
  restore <drive-id>             restore the latest backup
  backups                        list backups grouped by drive
  cleanup                        prune old backups
  rebuild                        rebuild the catalog from drive stores
  health                         search index health`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "catalogctl: "+format+"\n", args...)
	os.Exit(1)
}
