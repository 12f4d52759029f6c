package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rprtr258/mk"
	md "github.com/rprtr258/mk/contrib/markdown"
	"github.com/urfave/cli/v2"
)

const imgsDir = "img/static"

type example struct {
	name    string
	k       int
	backend string
	threads int
}

func (e example) args() []string {
	args := []string{"cluster", "-n", strconv.Itoa(e.k), "-s", "1", "-b", e.backend}
	if e.threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.threads))
	}
	return args
}

var examples = []example{
	{"cluster_2", 2, "sequential", 0},
	{"cluster_4", 4, "sequential", 0},
	{"cluster_7", 7, "sequential", 0},
	{"cluster_16", 16, "sequential", 0},
	{"cluster_7_parallel", 7, "parallel", 4},
	{"cluster_7_emulated", 7, "emulated", 0},
}

func main() {
	if err := (&cli.App{
		Name:  "mk",
		Usage: "commands runner",
		Commands: []*cli.Command{
			{
				Name:  "imgs",
				Usage: "update example imgs from orig.png",
				Action: func(*cli.Context) error {
					fimgsCmd := mk.ShellAlias("go", "run", "./cmd/fimgs", "-i", filepath.Join(imgsDir, "orig.png"))

					for _, e := range examples {
						imageFilename, _ := mk.Must2(fimgsCmd(e.args()...))
						mk.Must0(os.Rename(strings.TrimSpace(imageFilename), filepath.Join(imgsDir, e.name+".png")))
					}

					return nil
				},
			},
			{
				Name:  "readme",
				Usage: "compile readme file",
				Action: func(*cli.Context) error {
					b := &bytes.Buffer{}
					md.H1(b, "fimgs - k-means color quantization")

					md.H2(b, "Install")
					md.Code(b, "bash", "go install github.com/rprtr258/fimgs/cmd/fimgs@latest")

					md.H2(b, "Usage")
					usage, _ := mk.Must2(mk.ShellCmd("go", "run", "./cmd/fimgs", "cluster", "--help"))
					md.Code(b, "php", usage)

					rows := [][]string{{"![](./img/static/orig.png)", "original", "", ""}}
					for _, e := range examples {
						if _, err := os.Stat(filepath.Join(imgsDir, e.name+".png")); err != nil {
							return fmt.Errorf("example %s is missing, run imgs first: %w", e.name, err)
						}
						rows = append(rows, []string{
							fmt.Sprintf("![](./img/static/%s.png)", e.name),
							strings.Join(e.args(), " "),
							strconv.Itoa(e.k),
							e.backend,
						})
					}

					md.H2(b, "Examples")
					md.Table(b, []string{"result", "command", "k", "backend"}, rows)

					mk.Must0(os.WriteFile("README.md", b.Bytes(), 0o644))

					return nil
				},
			},
		},
	}).Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}
