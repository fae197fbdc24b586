// Command sfsutil inspects an SFS filesystem image without mounting
// it, in the spirit of the teacher's cmd/sqfs tool: a handful of
// subcommands dispatched by a bare os.Args switch.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/nosway/gosfs"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	image := os.Args[2]

	f, err := os.Open(image)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer f.Close()

	ns, err := sfs.Open(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open filesystem:", err)
		os.Exit(1)
	}

	switch cmd {
	case "statfs":
		showStatfs(ns)
	case "ls":
		path := "/"
		if len(os.Args) > 3 {
			path = os.Args[3]
		}
		if err := listDir(ns, path); err != nil {
			fmt.Fprintln(os.Stderr, "ls:", err)
			os.Exit(1)
		}
	case "cat":
		if len(os.Args) < 4 {
			usage()
			os.Exit(1)
		}
		if err := catFile(ns, os.Args[3]); err != nil {
			fmt.Fprintln(os.Stderr, "cat:", err)
			os.Exit(1)
		}
	case "help":
		usage()
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sfsutil <command> <image> [args]

Commands:
  statfs <image>         print filesystem usage summary
  ls <image> [path]      list a directory (default: /)
  cat <image> <path>     print a file's contents
  help                   show this message`)
}

func showStatfs(ns *sfs.Namespace) {
	s := ns.Statfs()
	fmt.Printf("magic:       0x%08x\n", s.Magic)
	fmt.Printf("block size:  %d\n", s.BlockSize)
	fmt.Printf("blocks:      %d total, %d free\n", s.Blocks, s.FreeBlocks)
	fmt.Printf("inodes:      %d total, %d free\n", s.Inodes, s.FreeInodes)
	fmt.Printf("name max:    %d\n", s.NameMax)
}

func listDir(ns *sfs.Namespace, path string) error {
	f, err := sfs.OpenFile(ns, path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", path)
	}
	entries, err := f.ReadDir(0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "-"
		if e.IsDir() {
			kind = "d"
		} else if e.Type()&fs.ModeSymlink != 0 {
			kind = "l"
		}
		info, _ := e.Info()
		size := int64(0)
		if info != nil {
			size = info.Size()
		}
		fmt.Printf("%s %10d  %s\n", kind, size, e.Name())
	}
	return nil
}

func catFile(ns *sfs.Namespace, path string) error {
	f, err := sfs.OpenFile(ns, path)
	if err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, f)
	return err
}
