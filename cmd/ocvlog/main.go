package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ocvlog.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	// a .env beside the binary is a bench convenience; missing is fine
	godotenv.Load()
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider("OCVLOG_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "OCVLOG_"))
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func root() {
	str := `ocvlog measures battery cell open-circuit voltages with a bench DMM and
appends them to a CSV log.  The operator confirms the instrument is the one
wired to the cells, then enters cell numbers one at a time; every usable
reading is timestamped and saved.

Usage:
	ocvlog <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ocvlog is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Environment variables prefixed OCVLOG_ override the file, e.g.
OCVLOG_DATAFILE=/tmp/cells.csv.  A .env file in the working directory is
loaded before the environment is read.

resources lists where instruments may be attached:
- tcp://192.168.100.40:5025           LAN (LXI / raw socket)
- serial:///dev/ttyUSB0?baud=9600     RS-232
- usb://05e6:6500                     USBTMC, vendor:product in hex
- mock                                a simulated DMM, no hardware required

usbscan: true also probes every USBTMC-class device found on the bus.

floor, min and max are in volts.  Readings below floor look like an open
circuit and are discarded with an error; readings outside min..max are
logged with a warning.

handshake: true wraps every command with *CLS and an error queue query so
bad commands surface immediately.  It costs one round trip per command.

Exit codes:
	0  normal stop
	2  no instrument found
	3  instrument not confirmed by the operator
	4  instrument link down
	5  a reading could not be persisted
	1  anything else`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ocvlog version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(runWorkflow(c))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
