package objfile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/cockroachdb/errors"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// Info describes the packages one compiled package imports.
type Info struct {
	File    string
	PkgPath string
	// Imports maps import paths to module versions; "" for the standard library
	// and unversioned paths.
	Imports map[string]string
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(i.PkgPath)
	if i.File != "" {
		s.WriteString(" (" + i.File + ")")
	}
	s.WriteByte('\n')
	keys := fn.MapKeys(i.Imports)
	sort.Strings(keys)
	for _, p := range keys {
		if v := i.Imports[p]; v != "" {
			fmt.Fprintf(&s, "\t%s@%s\n", p, v)
		} else {
			fmt.Fprintf(&s, "\t%s\n", p)
		}
	}
	return s.String()
}

// Infos renders a list of Info.
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}

// ObjectImports lists what an object file imports. pkgPath "" means main.
func ObjectImports(file, pkgPath string) (*Info, error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol), File: file, PkgPath: pkgPath}
	if err := v.Symbols(); err != nil {
		return nil, errors.Wrapf(err, "read symbols of %s", file)
	}
	info := parseInfo(v)
	info.File = file
	info.PkgPath = pkgPath
	return info, nil
}

// LinkerImports lists what every package of a serialized linker imports.
func LinkerImports(r io.Reader) (Infos, error) {
	linker, err := goloader.UnSerialize(r)
	if err != nil {
		return nil, errors.Wrap(err, "read linker")
	}
	var infos Infos
	for _, pkg := range linker.Packages {
		info := parseInfo(pkg)
		info.File = pkg.File
		info.PkgPath = pkg.PkgPath
		infos = append(infos, info)
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].PkgPath < infos[b].PkgPath })
	return infos, nil
}

// Inspect lists the symbols defined in an object file.
func Inspect(file, pkgPath string) ([]string, error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	return goloader.Parse(file, pkgPath)
}

// Serialize reads object files and writes the linker they form. Open accepts the
// result when its file name ends in LinkerExt.
func Serialize(files []string, pkgPaths []string, out io.Writer) error {
	linker, err := goloader.ReadObjs(files, pkgPaths)
	if err != nil {
		return errors.Wrap(err, "read objects")
	}
	return goloader.Serialize(linker, out)
}

// SerializeFile is Serialize into a new file.
func SerializeFile(files []string, pkgPaths []string, dest string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, f.Close()) }()
	return Serialize(files, pkgPaths, f)
}

func parseInfo(v *obj.Pkg) *Info {
	i := &Info{Imports: make(map[string]string)}
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	k := fn.MapKeys(i.Imports)
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = unescapePath(f)
		}
		for _, s := range k {
			if i.Imports[s] != "" {
				continue
			}
			x := strings.Index(f, s)
			if x < 0 {
				continue
			}
			i.Imports[s] = moduleVersion(f[x:])
		}
	}
	return i
}

// moduleVersion extracts v1.2.3 from "path@v1.2.3/file.go".
func moduleVersion(f string) string {
	y := strings.IndexByte(f, '@')
	if y < 0 {
		return ""
	}
	ver := f[y+1:]
	if y = strings.IndexByte(ver, '/'); y >= 0 {
		ver = ver[:y]
	}
	return ver
}

// unescapePath undoes the module cache's case encoding: "!a" is "A".
func unescapePath(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}
