package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	grid "github.com/i5heu/ouroboros-grid"
	"github.com/i5heu/ouroboros-grid/internal/config"
	"github.com/i5heu/ouroboros-grid/internal/repair"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

// CLI commands (see https://github.com/alecthomas/kong)
var CLI struct {
	Config string `short:"c" type:"path" help:"Path to the YAML config file."`
	Debug  bool   `short:"v" help:"Enable debug logging."`

	Version struct {
	} `cmd:"" help:"Show the program version."`

	Put struct {
		File string `arg:"" type:"existingfile" help:"File to upload."`
	} `cmd:"" help:"Upload a file and print its read capability."`

	Get struct {
		Cap    string `arg:"" help:"Read capability (URI:LIT:..., URI:CHK:...)."`
		Out    string `arg:"" optional:"" type:"path" help:"Output file (default stdout)."`
		Offset uint64 `short:"o" help:"First byte to fetch."`
		Length uint64 `short:"l" help:"Number of bytes to fetch (default: to the end)."`
	} `cmd:"" help:"Download a file."`

	Check struct {
		Cap    string `arg:"" help:"Read or verify capability."`
		Verify bool   `help:"Read every share and check its hashes."`
	} `cmd:"" help:"Report the health of a file."`

	Repair struct {
		Cap    string `arg:"" help:"Read or verify capability."`
		Verify bool   `help:"Run a verifying check before repairing."`
	} `cmd:"" help:"Re-create missing shares of a file."`

	DumpShare struct {
		File string `arg:"" type:"existingfile" help:"Share file on a storage server."`
	} `cmd:"" help:"Print the header and URI extension of a stored share."`
}

func main() { // A
	description := "Client for an immutable-file storage grid."
	kctx := kong.Parse(&CLI, kong.UsageOnError(), kong.Description(description))

	level := slog.LevelWarn
	if CLI.Debug {
		level = slog.LevelDebug
	}
	logger := logging.New(level, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch kctx.Selected().Name {
	case "version":
		fmt.Printf("%s %s\n", path.Base(os.Args[0]), model.ApplicationVersion)
		fmt.Printf("%s %s/%s (%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.Compiler)
	case "dump-share":
		err = dumpShare(CLI.DumpShare.File)
	default:
		err = withNode(ctx, logger, func(n *grid.Node) error {
			switch kctx.Selected().Name {
			case "put":
				return put(ctx, n, CLI.Put.File)
			case "get":
				return get(ctx, n)
			case "check":
				return check(ctx, n, CLI.Check.Cap, CLI.Check.Verify)
			case "repair":
				return repairFile(ctx, n, CLI.Repair.Cap, CLI.Repair.Verify)
			}
			return fmt.Errorf("command not implemented: '%s'", kctx.Command())
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withNode(ctx context.Context, logger *slog.Logger, fn func(*grid.Node) error) error {
	conf := config.Default()
	if CLI.Config != "" {
		var err error
		if conf, err = config.Load(CLI.Config); err != nil {
			return err
		}
	}
	n, err := grid.Open(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(n)
}

func put(ctx context.Context, n *grid.Node, file string) error {
	res, err := n.UploadFile(ctx, file)
	if err != nil {
		return err
	}
	fmt.Println(res.Cap.String())
	if res.SharesPushed+res.SharesExisting > 0 {
		fmt.Fprintf(os.Stderr, "%s in %d new and %d existing shares (happiness %d)\n",
			humanize.IBytes(res.Size), res.SharesPushed, res.SharesExisting, res.Happiness)
	}
	return nil
}

func get(ctx context.Context, n *grid.Node) error {
	c, err := uri.Parse(CLI.Get.Cap)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if CLI.Get.Out != "" {
		f, err := os.Create(CLI.Get.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	length := CLI.Get.Length
	if length == 0 {
		length = c.FileSize()
	}
	_, err = n.DownloadRange(ctx, c, w, CLI.Get.Offset, length)
	return err
}

func check(ctx context.Context, n *grid.Node, capString string, verify bool) error {
	c, err := uri.Parse(capString)
	if err != nil {
		return err
	}
	res, err := n.Check(ctx, c, verify)
	if err != nil {
		return err
	}
	printCheck(res)
	if !res.Healthy {
		return fmt.Errorf("file is not healthy")
	}
	return nil
}

func repairFile(ctx context.Context, n *grid.Node, capString string, verify bool) error {
	c, err := uri.Parse(capString)
	if err != nil {
		return err
	}
	res, err := n.Repair(ctx, c, verify)
	if err != nil {
		return err
	}
	if !res.Attempted {
		fmt.Println("healthy, no repair needed")
		return nil
	}
	fmt.Printf("repaired shares: %v\n", res.Repaired)
	if res.Post != nil {
		printCheck(res.Post)
	}
	return nil
}

func printCheck(r *repair.CheckResults) {
	fmt.Printf("storage index: %s\n", r.StorageIndex)
	fmt.Printf("verified:      %v\n", r.Verified)
	fmt.Printf("good shares:   %d of %d (need %d)\n", r.GoodShares(), r.Total, r.Needed)
	fmt.Printf("servers:       %d of %d responded, happiness %d\n", r.ServersResponding, r.ServersQueried, r.Happiness)
	if len(r.Missing) > 0 {
		fmt.Printf("missing:       %v\n", r.Missing)
	}
	for _, b := range r.Bad {
		fmt.Printf("bad share:     #%d on %s: %s\n", b.ShareNum, b.Server.Name(), b.Reason)
	}
	fmt.Printf("healthy:       %v\nrecoverable:   %v\n", r.Healthy, r.Recoverable)
}

func dumpShare(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	share, err := layout.Parse(data)
	if err != nil {
		return err
	}
	h := share.Header
	fmt.Printf("container version: %d\n", h.Version)
	fmt.Printf("block size:        %d\n", h.BlockSize)
	fmt.Printf("data size:         %s (%d)\n", humanize.IBytes(h.DataSize), h.DataSize)
	fmt.Printf("segments:          %d\n", h.NumSegments())
	fmt.Printf("offsets:           data=%d plaintext=%d crypttext=%d blocks=%d shares=%d uri=%d\n",
		h.Offsets.Data, h.Offsets.PlaintextTree, h.Offsets.CrypttextTree,
		h.Offsets.BlockHashes, h.Offsets.ShareHashes, h.Offsets.URIExtension)
	fmt.Printf("share hashes:      %d\n", len(share.ShareHashes))

	u, err := ueb.Unpack(share.UEB)
	if err != nil {
		return err
	}
	fmt.Printf("file size:         %d\n", u.Size)
	fmt.Printf("encoding:          k=%d n=%d segment=%d\n", u.NeededShares, u.TotalShares, u.SegmentSize)
	fmt.Printf("codec:             %s %s (tail %s)\n", u.CodecName, u.CodecParams, u.TailCodecParams)
	fmt.Printf("crypttext hash:    %s\n", hex.EncodeToString(u.CrypttextHash[:]))
	fmt.Printf("crypttext root:    %s\n", hex.EncodeToString(u.CrypttextRootHash[:]))
	fmt.Printf("share root:        %s\n", hex.EncodeToString(u.ShareRootHash[:]))
	uebHash := u.Hash()
	fmt.Printf("ueb hash:          %s\n", hex.EncodeToString(uebHash[:]))
	return nil
}
