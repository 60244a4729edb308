package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./data", "nexmdm data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/nexmdm.db.backup)")
)

// device is the subset of pkg/types.Device this tool needs to read
// out of the primary devices bucket to backfill its secondary
// indexes; it deliberately does not import pkg/types so this tool
// stays buildable against older on-disk schemas too.
type device struct {
	DeviceID string `json:"DeviceID"`
	Alias    string `json:"Alias"`
	TokenID  string `json:"TokenID"`
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("nexmdm database migration tool - backfill device secondary indexes")
	log.Println("====================================================================")

	dbPath := filepath.Join(*dataDir, "nexmdm.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := backfillDeviceIndexes(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
	} else {
		log.Println("migration completed successfully")
	}
}

// backfillDeviceIndexes rebuilds devices_by_alias and
// devices_by_token_id from the devices bucket, for any device that
// predates those indexes (e.g. a row carried over from a version of
// nexmdm before GetDeviceByTokenID existed).
func backfillDeviceIndexes(db *bolt.DB, dryRun bool) error {
	var total, missingAlias, missingToken int

	err := db.View(func(tx *bolt.Tx) error {
		devices := tx.Bucket([]byte("devices"))
		if devices == nil {
			log.Println("no 'devices' bucket found, nothing to migrate")
			return nil
		}
		byAlias := tx.Bucket([]byte("devices_by_alias"))
		byToken := tx.Bucket([]byte("devices_by_token_id"))

		return devices.ForEach(func(k, v []byte) error {
			total++
			var d device
			if err := json.Unmarshal(v, &d); err != nil {
				log.Printf("warning: skipping invalid JSON for device key %s: %v", k, err)
				return nil
			}
			if d.Alias != "" && (byAlias == nil || byAlias.Get([]byte(d.Alias)) == nil) {
				missingAlias++
			}
			if d.TokenID != "" && (byToken == nil || byToken.Get([]byte(d.TokenID)) == nil) {
				missingToken++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("scanned %d devices: %d missing alias index, %d missing token index", total, missingAlias, missingToken)
	if missingAlias == 0 && missingToken == 0 {
		log.Println("indexes already complete")
		return nil
	}
	if dryRun {
		log.Println("[dry run] would backfill the above index entries")
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket([]byte("devices"))
		if devices == nil {
			return nil
		}
		byAlias, err := tx.CreateBucketIfNotExists([]byte("devices_by_alias"))
		if err != nil {
			return fmt.Errorf("create devices_by_alias: %w", err)
		}
		byToken, err := tx.CreateBucketIfNotExists([]byte("devices_by_token_id"))
		if err != nil {
			return fmt.Errorf("create devices_by_token_id: %w", err)
		}

		fixed := 0
		err = devices.ForEach(func(k, v []byte) error {
			var d device
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.Alias != "" && byAlias.Get([]byte(d.Alias)) == nil {
				if err := byAlias.Put([]byte(d.Alias), []byte(d.DeviceID)); err != nil {
					return fmt.Errorf("backfill alias index for %s: %w", d.DeviceID, err)
				}
				fixed++
			}
			if d.TokenID != "" && byToken.Get([]byte(d.TokenID)) == nil {
				if err := byToken.Put([]byte(d.TokenID), []byte(d.DeviceID)); err != nil {
					return fmt.Errorf("backfill token index for %s: %w", d.DeviceID, err)
				}
				fixed++
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("backfilled %d index entries", fixed)
		return nil
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
