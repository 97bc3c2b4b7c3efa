// Command reconstruct runs the reconstruction pipeline on local image files
// and writes the point cloud to a GLB file, without going through HTTP.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Brownie44l1/vggt-api/internal/config"
	"github.com/Brownie44l1/vggt-api/internal/logger"
	"github.com/Brownie44l1/vggt-api/internal/model"
	"github.com/Brownie44l1/vggt-api/internal/pipeline"
	"github.com/Brownie44l1/vggt-api/internal/pointcloud"
	"github.com/Brownie44l1/vggt-api/internal/preprocess"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := config.ParseConfigFlag(fs)
	out := fs.String("out", pointcloud.Filename, "output GLB path")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [-file config.yaml] [-out output.glb] image...\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetZapLogger(cfg.Server.Debug)
	defer func() {
		_ = log.Sync()
	}()

	images := make([][]byte, 0, fs.NArg())
	for _, path := range fs.Args() {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Fatal("failed to read image", zap.String("path", path), zap.Error(err))
		}
		images = append(images, raw)
	}

	server, err := model.NewServer(model.Options{
		ModelPath:     cfg.Model.Path,
		MetadataPath:  cfg.Model.Metadata,
		CacheDir:      cfg.Model.CacheDir,
		Library:       cfg.Model.Library,
		Device:        cfg.Model.Device,
		DeviceID:      cfg.Model.DeviceID,
		HalfPrecision: cfg.Model.HalfPrecision,
		ImageSize:     cfg.Image.TargetSize,
		PatchSize:     cfg.Image.PatchSize,
	}, log.Named("model"))
	if err != nil {
		log.Fatal("failed to load model", zap.Error(err))
	}
	defer server.Close()

	normalizer := preprocess.NewNormalizer(cfg.Image.TargetSize, cfg.Image.PatchSize, log.Named("preprocess"))
	normalizer.MaxPixels = cfg.Image.MaxPixels
	normalizer.MaxAspect = cfg.Image.MaxAspect
	glb, err := pipeline.New(normalizer, server, 0, log.Named("pipeline")).Reconstruct(images)
	if err != nil {
		log.Error("reconstruction failed", zap.Error(err))
		server.Close()
		os.Exit(1)
	}

	if err := os.WriteFile(*out, glb, 0o644); err != nil {
		log.Error("failed to write output", zap.String("path", *out), zap.Error(err))
		server.Close()
		os.Exit(1)
	}
	log.Info("wrote point cloud", zap.String("path", *out), zap.Int("bytes", len(glb)))
}
