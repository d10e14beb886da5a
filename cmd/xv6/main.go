// Command xv6 boots the teaching kernel on the modeled virt board,
// wiring the terminal to the UART console.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/xv6/internal/kernel"
	"github.com/tinyrange/xv6/internal/machine"
	"golang.org/x/term"
)

var (
	configFlag = flag.String("config", "xv6.yml", "board configuration file")
	hartsFlag  = flag.Int("harts", 0, "override the configured hart count")
	debugFlag  = flag.Bool("debug", false, "enable debug logging")
)

var (
	bannerStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Green)
	errorStyle  = ansi.Style{}.Bold().ForegroundColor(ansi.BrightRed)
)

func main() {
	flag.Parse()

	if *debugFlag {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Styled("xv6: "+err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := machine.LoadConfig(*configFlag)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = machine.DefaultConfig()
	} else if err != nil {
		return err
	}
	if *hartsFlag > 0 {
		cfg.Harts = *hartsFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	k, err := kernel.New(cfg, os.Stdout)
	if err != nil {
		return err
	}

	fmt.Println(bannerStyle.Styled(fmt.Sprintf(
		"xv6 on virt: %d hart(s), %d MiB RAM, %s (ctrl-c halts)",
		cfg.Harts, cfg.RAMMiB, cfg.Schema)))

	// Feed raw keystrokes into the UART; ctrl-c halts the machine
	// instead of killing the terminal.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		go func() {
			buf := make([]byte, 64)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					return
				}
				for _, b := range buf[:n] {
					if b == 0x03 { // ctrl-c
						k.Halt()
						return
					}
				}
				k.Machine().UART.Inject(buf[:n])
			}
		}()
	}

	return k.Run()
}
