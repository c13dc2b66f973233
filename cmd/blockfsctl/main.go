package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"

	"github.com/sarettamcqueen/blockfs/blockdev"
	"github.com/sarettamcqueen/blockfs/errs"
	"github.com/sarettamcqueen/blockfs/fs"
)

func main() {
	app := cli.App{
		Usage: "Drive a blockfs disk image",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE BLOCKS",
			},
			{
				Name:      "shell",
				Usage:     "Mount an image and drive it interactively",
				Action:    runShell,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "fsinfo",
				Usage:     "Print capacity information for an image",
				Action:    fsinfoCommand,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit a single CSV row instead of human-readable text"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatImage(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("usage: format IMAGE BLOCKS", 1)
	}
	path := c.Args().Get(0)
	blocks, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid block count: %s", err), 1)
	}

	dev, err := blockdev.Attach(path, blocks*blockdev.BlockSize, true)
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	defer dev.Detach()

	if _, err := fs.Format(dev, fs.FormatOptions{TotalBlocks: uint32(blocks)}); err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	fmt.Printf("formatted %s with %d blocks\n", path, blocks)
	return nil
}

func fsinfoCommand(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("usage: fsinfo IMAGE", 1)
	}
	path := c.Args().Get(0)
	dev, err := blockdev.Attach(path, 0, false)
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	defer dev.Detach()

	mounted, err := fs.Mount(dev)
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	defer mounted.Unmount()

	stat, err := mounted.FSStat()
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}

	if c.Bool("csv") {
		csv, err := gocsv.MarshalString([]*csvFSStat{newCSVFSStat(stat)})
		if err != nil {
			return cli.Exit(describeErr(err), 1)
		}
		fmt.Print(csv)
		return nil
	}

	fmt.Printf("block_size:       %d\n", stat.BlockSize)
	fmt.Printf("total_blocks:     %d\n", stat.TotalBlocks)
	fmt.Printf("free_blocks:      %d\n", stat.FreeBlocks)
	fmt.Printf("total_inodes:     %d\n", stat.TotalInodes)
	fmt.Printf("free_inodes:      %d\n", stat.FreeInodes)
	fmt.Printf("max_filename_len: %d\n", stat.MaxFilenameLen)
	return nil
}

// csvFSStat is the gocsv-tagged row shape for `fsinfo --csv`.
type csvFSStat struct {
	BlockSize      uint32 `csv:"block_size"`
	TotalBlocks    uint32 `csv:"total_blocks"`
	FreeBlocks     uint32 `csv:"free_blocks"`
	TotalInodes    uint32 `csv:"total_inodes"`
	FreeInodes     uint32 `csv:"free_inodes"`
	MaxFilenameLen uint32 `csv:"max_filename_len"`
}

func newCSVFSStat(s fs.FSStat) *csvFSStat {
	return &csvFSStat{
		BlockSize:      s.BlockSize,
		TotalBlocks:    s.TotalBlocks,
		FreeBlocks:     s.FreeBlocks,
		TotalInodes:    s.TotalInodes,
		FreeInodes:     s.FreeInodes,
		MaxFilenameLen: s.MaxFilenameLen,
	}
}

func runShell(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("usage: shell IMAGE", 1)
	}
	path := c.Args().Get(0)

	dev, err := blockdev.Attach(path, 0, false)
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	defer dev.Detach()

	mounted, err := fs.Mount(dev)
	if err != nil {
		return cli.Exit(describeErr(err), 1)
	}
	defer mounted.Unmount()

	sh := &shell{fs: mounted, out: os.Stdout}
	return sh.run(os.Stdin)
}

// shell is a tiny REPL over a mounted filesystem. It is not a complete
// shell; it exists to exercise and demonstrate the core's contract.
type shell struct {
	fs  *fs.FileSystem
	out *os.File
}

func (s *shell) run(in *os.File) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "blockfs> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}
		if err := s.dispatch(line); err != nil {
			fmt.Fprintf(s.out, "error: %s\n", describeErr(err))
		}
	}
}

func (s *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "pwd":
		pwd, err := s.fs.Pwd()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, pwd)
	case "cd":
		return s.fs.Chdir(arg(args, 0))
	case "ls":
		path := arg(args, 0)
		if path == "" {
			path = "."
		}
		entries, err := s.fs.List(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintln(s.out, e.Dentry.NameString())
		}
	case "touch":
		_, err := s.fs.Create(arg(args, 0), 0o644)
		return err
	case "mkdir":
		_, err := s.fs.Mkdir(arg(args, 0), 0o755)
		return err
	case "rmdir":
		return s.fs.Rmdir(arg(args, 0))
	case "rm":
		return s.fs.Unlink(arg(args, 0))
	case "ln":
		return s.fs.Link(arg(args, 0), arg(args, 1))
	case "write":
		return s.writeFile(args, fs.WRONLY|fs.CREAT|fs.TRUNC)
	case "append":
		return s.writeFile(args, fs.WRONLY|fs.CREAT|fs.APPEND)
	case "cat":
		return s.catFile(arg(args, 0))
	case "stat":
		st, err := s.fs.Stat(arg(args, 0))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "type=%d size=%d links=%d\n", st.Type, st.Size, st.LinksCount)
	case "fsinfo":
		stat, err := s.fs.FSStat()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "free_blocks=%d/%d free_inodes=%d/%d\n", stat.FreeBlocks, stat.TotalBlocks, stat.FreeInodes, stat.TotalInodes)
	case "help":
		fmt.Fprintln(s.out, "pwd cd ls touch write append rm cat mkdir rmdir ln stat fsinfo help exit")
	default:
		return errs.Newf(errs.Invalid, "unknown command %q", cmd)
	}
	return nil
}

func (s *shell) writeFile(args []string, flags int) error {
	if len(args) < 2 {
		return errs.New(errs.Invalid)
	}
	text := strings.Join(args[1:], " ")
	file, err := s.fs.Open(args[0], flags, 0o644)
	if err != nil {
		return err
	}
	_, err = file.Write([]byte(text))
	return err
}

func (s *shell) catFile(path string) error {
	file, err := s.fs.Open(path, fs.RDONLY, 0)
	if err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			fmt.Fprint(s.out, string(buf[:n]))
		}
		if n == 0 || err != nil {
			break
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// describeErr maps an errs.Code-carrying error to a human-readable message.
// The core returns codes; rendering them is the shell's job.
func describeErr(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s)", err.Error(), errs.CodeOf(err).String())
}
