// lethectl operates a lethe state directory: it derives, rotates and
// deletes keys, and reports the scheme's shape. Mutating commands commit
// before exiting, since an uncommitted mutation would not survive the
// process.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lethe-kms/go-lethe/crypt"
	"github.com/lethe-kms/go-lethe/lethe"
)

func main() {
	app := &cli.App{
		Name:  "lethectl",
		Usage: "operate a lethe key-management state directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "state-dir",
				Value: ".",
				Usage: "directory holding the snapshot and journal",
			},
			&cli.StringFlag{
				Name:     "key-file",
				Required: true,
				Usage:    "file holding the 32 byte root key",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log scheme activity",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "derive",
				Usage:     "print the key for an object/block id",
				ArgsUsage: "OBJ BLK",
				Action:    runDerive,
			},
			{
				Name:      "update",
				Usage:     "rotate the key for an object/block id and commit",
				ArgsUsage: "OBJ BLK",
				Action:    runUpdate,
			},
			{
				Name:      "delete",
				Usage:     "delete the binding for an object/block id and commit",
				ArgsUsage: "OBJ BLK",
				Action:    runDelete,
			},
			{
				Name:   "commit",
				Usage:  "commit any pending mutations",
				Action: runCommit,
			},
			{
				Name:   "stats",
				Usage:  "print the scheme's shape",
				Action: runStats,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openScheme(c *cli.Context) (*lethe.Lethe, error) {
	raw, err := os.ReadFile(c.String("key-file"))
	if err != nil {
		return nil, err
	}
	if len(raw) != crypt.KeySize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("key file must hold exactly %d bytes, has %d", crypt.KeySize, len(raw))
	}
	var key crypt.Key
	copy(key[:], raw)
	memguard.WipeBytes(raw)
	defer key.Wipe()

	var opts []lethe.Option
	if c.Bool("verbose") {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, lethe.WithLogger(log))
	}
	return lethe.Open(c.String("state-dir"), key, opts...)
}

func argID(c *cli.Context) (lethe.KeyID, error) {
	if c.NArg() != 2 {
		return lethe.KeyID{}, fmt.Errorf("expected OBJ and BLK arguments")
	}
	obj, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
	if err != nil {
		return lethe.KeyID{}, fmt.Errorf("parsing OBJ: %w", err)
	}
	blk, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return lethe.KeyID{}, fmt.Errorf("parsing BLK: %w", err)
	}
	return lethe.KeyID{Obj: obj, Blk: blk}, nil
}

func runDerive(c *cli.Context) error {
	id, err := argID(c)
	if err != nil {
		return err
	}
	l, err := openScheme(c)
	if err != nil {
		return err
	}
	defer l.Close()

	key, err := l.Derive(id)
	if err != nil {
		return err
	}
	// Binding an unseen id journals an insert; commit so it survives.
	if _, err := l.Commit(); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key[:]))
	key.Wipe()
	return nil
}

func runUpdate(c *cli.Context) error {
	id, err := argID(c)
	if err != nil {
		return err
	}
	l, err := openScheme(c)
	if err != nil {
		return err
	}
	defer l.Close()

	key, err := l.Update(id)
	if err != nil {
		return err
	}
	if _, err := l.Commit(); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key[:]))
	key.Wipe()
	return nil
}

func runDelete(c *cli.Context) error {
	id, err := argID(c)
	if err != nil {
		return err
	}
	l, err := openScheme(c)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Delete(id); err != nil {
		return err
	}
	stats, err := l.Commit()
	if err != nil {
		return err
	}
	fmt.Printf("deleted; epoch %d, %d keys\n", stats.Epoch, stats.Keys)
	return nil
}

func runCommit(c *cli.Context) error {
	l, err := openScheme(c)
	if err != nil {
		return err
	}
	defer l.Close()

	stats, err := l.Commit()
	if err != nil {
		return err
	}
	fmt.Printf("epoch %d, %d keys, %d roots\n", stats.Epoch, stats.Keys, stats.Roots)
	return nil
}

func runStats(c *cli.Context) error {
	l, err := openScheme(c)
	if err != nil {
		return err
	}
	defer l.Close()

	stats := l.Stats()
	fmt.Printf("instance %s\n", l.Instance())
	fmt.Printf("epoch    %d\n", stats.Epoch)
	fmt.Printf("keys     %d\n", stats.Keys)
	fmt.Printf("roots    %d\n", stats.Roots)
	return nil
}
