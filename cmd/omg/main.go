// OMG CLI - loads and runs compiled OMG bytecode images.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/sentrychris/omglang/cache"
	"github.com/sentrychris/omglang/manifest"
	"github.com/sentrychris/omglang/vm"
	"github.com/sentrychris/omglang/vm/dist"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitImage   = 2
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	disasm := flag.Bool("d", false, "Disassemble the image instead of running it")
	noCache := flag.Bool("no-cache", false, "Skip the compiled-image cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: omg [options] [image] [--] [program args]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled OMG image (.omgb) or bundle (.omgbundle).\n")
		fmt.Fprintf(os.Stderr, "With no image argument, omg.toml in the current directory names it.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  omg program.omgb               # Run an image\n")
		fmt.Fprintf(os.Stderr, "  omg program.omgb -- a b c      # Run with program arguments\n")
		fmt.Fprintf(os.Stderr, "  omg -d program.omgb            # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  omg                            # Run per omg.toml\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}
	log := commonlog.GetLogger("omg")

	imagePath, progArgs := splitArgs(flag.Args())

	var man *manifest.Manifest
	if imagePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Errorf("cannot determine working directory: %s", err)
			os.Exit(exitImage)
		}
		man, err = manifest.Load(wd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "omg: no image given and no usable omg.toml: %v\n", err)
			os.Exit(exitImage)
		}
		imagePath = man.ImagePath()
		if len(progArgs) == 0 {
			progArgs = man.Run.Args
		}
		log.Infof("using manifest project %q", man.Project.Name)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omg: %v\n", err)
		os.Exit(exitImage)
	}

	imageBytes, err := resolveImage(imagePath, data, man, *noCache, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omg: %v\n", err)
		os.Exit(exitImage)
	}

	img, err := vm.LoadImage(imageBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omg: invalid image %s: %v\n", imagePath, err)
		os.Exit(exitImage)
	}
	log.Infof("loaded %s: %d constants, %d functions, %d code bytes",
		imagePath, len(img.Consts), len(img.Funcs), len(img.Code))

	if *disasm {
		fmt.Println(vm.Disassemble(img.Code))
		os.Exit(exitOK)
	}

	m := vm.New(vm.Options{
		Args:   progArgs,
		FS:     vm.OSFS{},
		Stdout: os.Stdout,
	})
	res, err := m.Run(img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omg: %v\n", err)
		if vm.IsRuntimeError(err) {
			os.Exit(exitRuntime)
		}
		os.Exit(exitImage)
	}
	log.Infof("run complete: %d lines emitted, %d instructions", len(res.Stdout), res.FuelUsed)
	os.Exit(exitOK)
}

// splitArgs separates the image path from the program argument vector.
// Everything after "--" always belongs to the program.
func splitArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	if args[0] == "--" {
		return "", args[1:]
	}
	rest := args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	return args[0], rest
}

// resolveImage turns the loaded file into raw .omgb bytes. Bundles are
// digest-verified and, unless disabled, their image is stored in the
// manifest's cache. The cache is only written here, never read.
func resolveImage(path string, data []byte, man *manifest.Manifest, noCache bool, log commonlog.Logger) ([]byte, error) {
	if !strings.HasSuffix(path, ".omgbundle") {
		return data, nil
	}

	b, err := dist.UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	log.Infof("bundle %s@%s digest %s", b.Name, b.Version, b.DigestHex())

	if man != nil && man.Cache.Enabled && !noCache {
		store, err := cache.Open(man.CachePath())
		if err != nil {
			log.Warningf("cache unavailable: %s", err)
			return b.Image, nil
		}
		defer store.Close()
		if err := store.Put(b.DigestHex(), b.Name, b.Image); err != nil {
			log.Warningf("cache put failed: %s", err)
		}
	}
	return b.Image, nil
}
