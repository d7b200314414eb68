package main

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/hotmod/abi"
)

// InfoFile is the generated file carrying the module fingerprint.
const InfoFile = "compatibility_info.go"

// Toolchain drives the go command.
type Toolchain struct {
	Go   string
	Dir  string
	Log  *zap.Logger
	// Keep leaves importcfg behind.
	Keep bool
}

func (t *Toolchain) command(args ...string) *exec.Cmd {
	cmd := exec.Command(t.Go, args...)
	cmd.Dir = t.Dir
	t.Log.Debug("execute", zap.Strings("args", cmd.Args))
	return cmd
}

func (t *Toolchain) output(args ...string) (string, error) {
	cmd := t.command(args...)
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", errors.Wrapf(err, "%s\nerr:%s\nout:%s", strings.Join(cmd.Args, " "), ee.Stderr, out)
		}
		return "", errors.Wrap(err, strings.Join(cmd.Args, " "))
	}
	return strings.TrimSpace(string(out)), nil
}

// Fingerprint is what a module built by this toolchain must carry.
func (t *Toolchain) Fingerprint() (abi.Fingerprint, error) {
	out, err := t.output("env", "GOVERSION", "GOOS", "GOARCH")
	if err != nil {
		return abi.Fingerprint{}, err
	}
	v := strings.Fields(out)
	if len(v) != 3 {
		return abi.Fingerprint{}, errors.Newf("unexpected go env output %q", out)
	}
	return abi.Fingerprint{
		Toolchain: v[0],
		Target:    v[1] + "/" + v[2],
		Backend:   "gc",
		Version:   abi.Version,
		Unloading: true,
	}, nil
}

// GenerateInfo renders InfoFile for package pkg. It declares the exported
// fingerprint variable the host reads, so module sources never name it.
func GenerateInfo(pkg string, f abi.Fingerprint) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "// Code generated by compile build. DO NOT EDIT.\n\npackage %s\n\nvar %s = %q\n", pkg, abi.SymCompatibilityInfo, f.String())
	return format.Source(b.Bytes())
}

// WriteInfo writes InfoFile into the work directory.
func (t *Toolchain) WriteInfo(pkg string) (string, error) {
	f, err := t.Fingerprint()
	if err != nil {
		return "", err
	}
	src, err := GenerateInfo(pkg, f)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(t.Dir, InfoFile)
	t.Log.Debug("generate", zap.String("file", dest), zap.Stringer("fingerprint", f))
	return dest, os.WriteFile(dest, src, 0o644)
}

// Imports generates importcfg in the work directory for the sources f.
func (t *Toolchain) Imports(f []string) (err error) {
	t.Log.Debug("sources", zap.Strings("files", f))
	out, err := t.output(append([]string{"list", "-export", "-f", "{{.Imports}}"}, f...)...)
	if err != nil {
		return errors.Wrap(err, "inspect imports")
	}
	if out != "" && out[0] == '[' {
		out = out[1 : len(out)-1]
	}
	deps := strings.Fields(out)
	t.Log.Debug("deps", zap.Strings("imports", deps))
	cfg, err := t.output(append([]string{"list", "-export", "-deps", "-f",
		"{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, deps...)...)
	if err != nil {
		return errors.Wrap(err, "inspect dependencies")
	}
	return os.WriteFile(filepath.Join(t.Dir, "importcfg"), []byte(cfg+"\n"), 0o644)
}

// Compile compiles sources into object file out using importcfg.
func (t *Toolchain) Compile(pkg, out string, sources []string) error {
	args := []string{"tool", "compile", "-importcfg", "importcfg", "-p", pkg}
	if out != "" {
		args = append(args, "-o", out)
	}
	cmd := t.command(append(args, sources...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil && !t.Keep {
		err = os.Remove(filepath.Join(t.Dir, "importcfg"))
	}
	return err
}

// Sources lists the non test go files of dir.
func Sources(dir string) (v []string, err error) {
	e, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range e {
		if entry.IsDir() {
			continue
		}
		n := entry.Name()
		if strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	return
}

// CopyFile from src to dest with optional src file info
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(df)
	if _, err = io.Copy(df, sf); err != nil {
		return
	}
	if si == nil {
		if si, err = os.Stat(src); err != nil {
			return
		}
	}
	return os.Chmod(dest, si.Mode())
}

// CopyDir from src to dest with optional src file info
func CopyDir(src string, dest string, si fs.FileInfo) (err error) {
	if si == nil {
		if si, err = os.Stat(src); err != nil {
			return err
		}
	}
	if err = os.MkdirAll(dest, si.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		sp, dp := filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())
		if e.IsDir() {
			err = CopyDir(sp, dp, info)
		} else {
			err = CopyFile(sp, dp, info)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
