// Command pmtiles inspects and extracts from PMTiles v3 archives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/protomaps/pmtiles-archive/pmtiles"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"go.uber.org/zap"
)

type showCmd struct {
	Path string `arg:"" help:"Local path or http(s) URL of the archive."`
	Tile string `optional:"" help:"z/x/y of a single tile to dump to stdout instead of printing the header."`
}

func (c *showCmd) Run(ctx *kong.Context) error {
	background := context.Background()

	backend, err := pmtiles.OpenBackend(background, c.Path)
	if err != nil {
		return err
	}
	defer backend.Close()

	reader, err := pmtiles.Open(background, backend, pmtiles.NewLRUCache(64<<20))
	if err != nil {
		return err
	}
	defer reader.Close()

	if c.Tile == "" {
		return pmtiles.Show(background, os.Stdout, reader)
	}

	var z uint8
	var x, y uint32
	if _, err := fmt.Sscanf(c.Tile, "%d/%d/%d", &z, &x, &y); err != nil {
		return fmt.Errorf("invalid --tile value %q, expected z/x/y: %w", c.Tile, err)
	}
	found, err := pmtiles.ShowTile(background, os.Stdout, reader, z, x, y)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(os.Stderr, "tile not found in archive.")
	}
	return nil
}

type extractCmd struct {
	Source          string  `arg:"" help:"Local path or http(s) URL of the source archive."`
	Dest            string  `arg:"" help:"Output path for the extracted archive."`
	Bbox            string  `help:"minlon,minlat,maxlon,maxlat to extract." default:""`
	Region          string  `help:"Path to a GeoJSON file describing the region to extract." default:""`
	MaxZoom         int8    `help:"Maximum zoom level to extract; -1 means the source's max zoom." default:"-1"`
	DownloadThreads int     `help:"Number of concurrent range-read workers." default:"4"`
	Overfetch       float32 `help:"Fraction of extra bytes to fetch in order to merge adjacent ranges." default:"0.2"`
	DryRun          bool    `help:"Compute sizes and request counts without writing output."`
}

func (c *extractCmd) Run(ctx *kong.Context) error {
	background := context.Background()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	backend, err := pmtiles.OpenBackend(background, c.Source)
	if err != nil {
		return err
	}
	defer backend.Close()

	var regionBytes []byte
	if c.Region != "" {
		regionBytes, err = os.ReadFile(c.Region)
		if err != nil {
			return err
		}
	}

	opts := pmtiles.ExtractOptions{
		MaxZoom:         c.MaxZoom,
		RegionGeoJSON:   regionBytes,
		Bbox:            c.Bbox,
		DownloadThreads: c.DownloadThreads,
		Overfetch:       c.Overfetch,
		DryRun:          c.DryRun,
	}

	if c.DryRun {
		return pmtiles.Extract(background, logger, backend, opts, nil)
	}

	out, err := os.Create(c.Dest)
	if err != nil {
		return err
	}
	defer out.Close()

	return pmtiles.Extract(background, logger, backend, opts, out)
}

type verifyCmd struct {
	Path string `arg:"" help:"Local path of the archive to verify."`
}

func (c *verifyCmd) Run(ctx *kong.Context) error {
	background := context.Background()

	backend, err := pmtiles.OpenBackend(background, c.Path)
	if err != nil {
		return err
	}
	defer backend.Close()

	fileSize := int64(-1)
	if info, err := os.Stat(c.Path); err == nil {
		fileSize = info.Size()
	}

	if err := pmtiles.Verify(background, backend, fileSize); err != nil {
		return err
	}
	fmt.Println("archive is valid.")
	return nil
}

var cli struct {
	Show    showCmd    `cmd:"" help:"Print header fields and metadata, or dump a single tile."`
	Extract extractCmd `cmd:"" help:"Extract a region of an archive into a new, self-contained archive."`
	Verify  verifyCmd  `cmd:"" help:"Check an archive's header statistics against its directory tree."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("pmtiles"),
		kong.Description("Inspect and extract PMTiles v3 archives."),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
