// Command compile builds hot loadable modules and inspects their object files.
//
//	compile build -p sample .
//	compile imports -p sample sample.o
//	compile fingerprint --json
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/objfile"
)

func main() {
	app := cli.NewApp()
	app.Name = "compile"
	app.Usage = "hot loadable module compiler"
	app.Description = "compiles go sources into object files carrying the host compatibility fingerprint"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "build",
			Action: build,
			Usage:  "generate " + InfoFile + " and compile go sources ('.' for the working directory) to an object file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Value: "main", Usage: "package import path"},
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "object file, default <package name>.o"},
				&cli.BoolFlag{Name: "linkable", Aliases: []string{"l"}, Usage: "also serialize a " + objfile.LinkerExt + " file"},
				&cli.BoolFlag{Name: "keep", Usage: "keep importcfg"},
				&cli.StringFlag{Name: "dir", Aliases: []string{"C"}, Usage: "module source directory, default the working directory"},
			},
			Args: true,
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of object files or go archives",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{Name: "linker", Action: linkers, Usage: "display imports of " + objfile.LinkerExt + " files", Args: true},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "display the symbols an object file defines",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:   "fingerprint",
			Action: fingerprint,
			Usage:  "display the fingerprint modules built by the go toolchain on PATH carry",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "json", Usage: "print as json"},
			},
		},
		{Name: "prepare", Action: prepare, Usage: "copy internals of go sdk"},
		{Name: "clean", Action: clean, Usage: "remove copied internals of go sdk"},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "failure %+v\n", err)
		os.Exit(1)
	}
}

func logger(ctx *cli.Context) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !ctx.Bool("debug") {
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func toolchain(ctx *cli.Context) (*Toolchain, error) {
	g, err := exec.LookPath("go")
	if err != nil {
		return nil, errors.Wrap(err, "missing go sdk")
	}
	wd, err := filepath.Abs(ctx.String("dir"))
	if err != nil {
		return nil, err
	}
	return &Toolchain{Go: g, Dir: wd, Log: logger(ctx), Keep: ctx.Bool("keep")}, nil
}

// packageName is the last element of an import path.
func packageName(pkg string) string {
	return pkg[strings.LastIndexByte(pkg, '/')+1:]
}

func build(ctx *cli.Context) (err error) {
	t, err := toolchain(ctx)
	if err != nil {
		return
	}
	defer func() { _ = t.Log.Sync() }()
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return errors.New("missing target sources list")
	}
	if len(o) == 1 && o[0] == "." {
		if o, err = Sources(t.Dir); err != nil {
			return
		}
		t.Log.Info("found go sources at working directory", zap.Strings("sources", o))
	}
	pkg := ctx.String("pkg")
	info, err := t.WriteInfo(packageName(pkg))
	if err != nil {
		return errors.Wrap(err, "generate compatibility info")
	}
	if name := filepath.Base(info); !slices.Contains(o, name) {
		o = append(o, name)
	}
	if err = t.Imports(o); err != nil {
		return errors.Wrap(err, "generate importcfg")
	}
	out := ctx.String("out")
	if out == "" {
		out = packageName(pkg) + ".o"
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(t.Dir, out)
	}
	if err = t.Compile(pkg, out, o); err != nil {
		return
	}
	t.Log.Info("compiled", zap.String("object", out))
	if ctx.Bool("linkable") {
		dest := strings.TrimSuffix(out, filepath.Ext(out)) + objfile.LinkerExt
		if err = objfile.SerializeFile([]string{out}, []string{pkg}, dest); err != nil {
			return
		}
		t.Log.Info("serialized", zap.String("linker", dest))
	}
	return
}

func imports(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		v, err := objfile.ObjectImports(s, ctx.String("pkg"))
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n%s", s, v)
	}
	return nil
}

func linkers(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		f, err := os.Open(s)
		if err != nil {
			return err
		}
		v, err := objfile.LinkerImports(f)
		_ = f.Close()
		if err != nil {
			return errors.Wrap(err, s)
		}
		fmt.Printf("%s:\n%s", s, v)
	}
	return nil
}

func symbols(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		v, err := objfile.Inspect(s, ctx.String("pkg"))
		if err != nil {
			return err
		}
		slices.Sort(v)
		fmt.Printf("%s:\n\t%s\n", s, strings.Join(v, "\n\t"))
	}
	return nil
}

func fingerprint(ctx *cli.Context) error {
	t, err := toolchain(ctx)
	if err != nil {
		return err
	}
	f, err := t.Fingerprint()
	if err != nil {
		return err
	}
	if !ctx.Bool("json") {
		fmt.Println(f)
		return nil
	}
	fmt.Println(string(FingerprintJSON(f)))
	return nil
}

// FingerprintJSON renders f field by field. SameAsTool tells whether this binary was
// built with the same toolchain.
func FingerprintJSON(f abi.Fingerprint) []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("Fingerprint").String(f.String())
	obj.Name("Toolchain").String(f.Toolchain)
	obj.Name("Target").String(f.Target)
	obj.Name("Backend").String(f.Backend)
	obj.Name("Version").String(f.Version)
	obj.Name("Unloading").Bool(f.Unloading)
	obj.Name("SameAsTool").Bool(f == abi.HostFingerprint())
	obj.End()
	return w.Bytes()
}

func goroot(t *Toolchain) (string, error) {
	return t.output("env", "GOROOT")
}

func clean(ctx *cli.Context) (err error) {
	t, err := toolchain(ctx)
	if err != nil {
		return
	}
	root, err := goroot(t)
	if err != nil {
		return
	}
	dir := filepath.Join(root, "src", "cmd", "objfile")
	t.Log.Debug("clean go sdk", zap.String("dir", dir))
	if _, err = os.Stat(dir); err == nil {
		err = os.RemoveAll(dir)
		t.Log.Debug("removed", zap.String("dir", dir))
	} else if os.IsNotExist(err) {
		t.Log.Debug("did nothing", zap.String("dir", dir))
		err = nil
	}
	return
}

func prepare(ctx *cli.Context) (err error) {
	t, err := toolchain(ctx)
	if err != nil {
		return
	}
	root, err := goroot(t)
	if err != nil {
		return
	}
	src := filepath.Join(root, "src", "cmd", "internal")
	dir := filepath.Join(root, "src", "cmd", "objfile")
	t.Log.Debug("prepare go sdk", zap.String("from", src), zap.String("to", dir))
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = CopyDir(src, dir, nil)
		t.Log.Debug("copied", zap.String("dir", dir))
	} else if err == nil {
		t.Log.Debug("did nothing", zap.String("dir", dir))
	}
	return
}
