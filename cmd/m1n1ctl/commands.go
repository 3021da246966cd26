package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/m1n1ctl/internal/config"
	"github.com/danmuck/m1n1ctl/internal/invoke"
	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/proxy"
	"github.com/danmuck/m1n1ctl/internal/server"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"zappem.net/pub/debug/xxd"
)

type command struct {
	usage   string
	minArgs int
	// session commands run after a successful bootstrap.
	session bool
	run     func(ctx context.Context, a *App, args []string) error
}

var commands = map[string]command{
	"nop":    {usage: "", session: true, run: cmdNop},
	"info":   {usage: "", session: true, run: cmdInfo},
	"read":   {usage: "[-o file] ADDR LEN", minArgs: 2, session: true, run: cmdRead},
	"write":  {usage: "ADDR HEXBYTES", minArgs: 2, session: true, run: cmdWrite},
	"load":   {usage: "[-z] FILE ADDR", minArgs: 2, session: true, run: cmdLoad},
	"peek":   {usage: "ADDR [WIDTH]", minArgs: 1, session: true, run: cmdPeek},
	"poke":   {usage: "ADDR VALUE [WIDTH]", minArgs: 2, session: true, run: cmdPoke},
	"call":   {usage: "[-mode el2|el1|el0|gl2|gl1] ADDR [ARGS...]", minArgs: 1, session: true, run: cmdCall},
	"inst":   {usage: "WORD [WORD...]", minArgs: 1, session: true, run: cmdInst},
	"mrs":    {usage: "REG", minArgs: 1, session: true, run: cmdMRS},
	"msr":    {usage: "REG VALUE", minArgs: 2, session: true, run: cmdMSR},
	"reload": {usage: "[-cmdline ARGS] ADDR [ARGS...]", minArgs: 1, session: true, run: cmdReload},
	"reboot": {usage: "", session: true, run: cmdReboot},
	"op":     {usage: "NAME|OPCODE [ARGS...]", minArgs: 1, session: true, run: cmdOp},
	"serve":  {usage: "[-serve-config file]", session: true, run: cmdServe},
	"tty":    {usage: "(raw console, CTRL+] exits)", run: cmdTTY},
	"config": {usage: "[-kind serve|session] [-validate] [-force] PATH", minArgs: 1, run: cmdConfig},
}

func parseU64(raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(raw), "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", raw)
	}
	return v, nil
}

func parseU64s(raw []string) ([]uint64, error) {
	out := make([]uint64, 0, len(raw))
	for _, r := range raw {
		v, err := parseU64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseWidth(args []string, i int) (int, error) {
	if len(args) <= i {
		return 64, nil
	}
	w, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad width %q", args[i])
	}
	return w, nil
}

func cmdNop(ctx context.Context, a *App, _ []string) error {
	if err := a.sess.Client().Nop(ctx); err != nil {
		return err
	}
	a.printf("ok\n")
	return nil
}

func cmdInfo(ctx context.Context, a *App, _ []string) error {
	s := a.sess
	iodev, err := s.Client().IodevWhoami(ctx)
	if err != nil {
		return err
	}
	ba := s.BootArgs()
	a.printf("device:     %s baud=%d iodev=%s\n", s.Config().Device, s.Port().Baud(), iodev)
	a.printf("base:       %#x\n", s.Base())
	a.printf("boot args:  %#x (revision %d)\n", s.BootArgsAddr(), ba.Revision)
	a.printf("  phys:     %#x size %#x\n", ba.PhysBase, ba.MemSize)
	a.printf("  top:      %#x\n", ba.TopOfKernelData)
	a.printf("  machine:  %#x\n", ba.MachineType)
	a.printf("  devtree:  %#x size %#x\n", ba.DevTree, ba.DevTreeSize)
	a.printf("  cmdline:  %q\n", ba.CmdLine)
	if h := s.Heap(); h != nil {
		st := h.Stats()
		a.printf("heap:       [%#x, %#x) free %#x\n", h.Base(), h.End(), st.Free)
	}
	a.printf("code:       %#x\n", s.CodeBuffer())
	return nil
}

func cmdRead(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.SetOutput(a.out)
	outPath := fs.String("o", "", "write the bytes to a file instead of dumping them")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 2 {
		return errUsage
	}
	addr, err := parseU64(fs.Arg(0))
	if err != nil {
		return err
	}
	n, err := parseU64(fs.Arg(1))
	if err != nil {
		return err
	}
	data, err := a.sess.Client().ReadMemory(ctx, addr, int(n))
	if err != nil {
		return err
	}
	if *outPath != "" {
		return os.WriteFile(*outPath, data, 0o644)
	}
	xxd.Fprint(a.out, int(addr), data)
	return nil
}

func cmdWrite(ctx context.Context, a *App, args []string) error {
	addr, err := parseU64(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(args[1:], ""))
	if err != nil {
		return fmt.Errorf("bad hex data: %w", err)
	}
	return a.sess.Client().WriteMemory(ctx, addr, data, false)
}

func cmdLoad(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	fs.SetOutput(a.out)
	compressed := fs.Bool("z", false, "stage a gzip stream and decompress on the target")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 2 {
		return errUsage
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	addr, err := parseU64(fs.Arg(1))
	if err != nil {
		return err
	}
	last := -10
	progress := func(done, total int) {
		if pct := done * 100 / max(total, 1); pct/10 != last/10 {
			last = pct
			logging.Infof("m1n1ctl load addr=%#x progress=%d%%", addr, pct)
		}
	}
	if err := a.sess.Client().WriteMemoryProgress(ctx, addr, data, *compressed, progress); err != nil {
		return err
	}
	a.printf("loaded %d bytes at %#x\n", len(data), addr)
	return nil
}

func cmdPeek(ctx context.Context, a *App, args []string) error {
	addr, err := parseU64(args[0])
	if err != nil {
		return err
	}
	width, err := parseWidth(args, 1)
	if err != nil {
		return err
	}
	v, err := a.sess.Invoker().Read(ctx, addr, width)
	if err != nil {
		return err
	}
	a.printf("%#x\n", v)
	return nil
}

func cmdPoke(ctx context.Context, a *App, args []string) error {
	addr, err := parseU64(args[0])
	if err != nil {
		return err
	}
	v, err := parseU64(args[1])
	if err != nil {
		return err
	}
	width, err := parseWidth(args, 2)
	if err != nil {
		return err
	}
	return a.sess.Invoker().Write(ctx, addr, v, width)
}

func cmdCall(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(a.out)
	modeName := fs.String("mode", "", "call through an exception level wrapper")
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 {
		return errUsage
	}
	vals, err := parseU64s(fs.Args())
	if err != nil {
		return err
	}
	c := a.sess.Client()
	var ret uint64
	if *modeName == "" {
		ret, err = c.Call(ctx, vals[0], vals[1:]...)
	} else {
		var mode invoke.Mode
		if mode, err = invoke.ParseMode(*modeName); err != nil {
			return err
		}
		switch mode {
		case invoke.ModeEL2:
			ret, err = c.Call(ctx, vals[0], vals[1:]...)
		case invoke.ModeEL1:
			ret, err = c.EL1Call(ctx, vals[0], vals[1:]...)
		case invoke.ModeEL0:
			ret, err = c.EL0Call(ctx, vals[0], vals[1:]...)
		case invoke.ModeGL2:
			ret, err = c.GL2Call(ctx, vals[0], vals[1:]...)
		case invoke.ModeGL1:
			ret, err = c.GL1Call(ctx, vals[0], vals[1:]...)
		}
	}
	if err != nil {
		return err
	}
	a.printf("%#x\n", ret)
	return nil
}

func cmdInst(ctx context.Context, a *App, args []string) error {
	vals, err := parseU64s(args)
	if err != nil {
		return err
	}
	words := make([]uint32, len(vals))
	for i, v := range vals {
		if v > 0xffffffff {
			return fmt.Errorf("instruction word %#x does not fit 32 bits", v)
		}
		words[i] = uint32(v)
	}
	ret, err := a.sess.Invoker().Inst(ctx, words...)
	if err != nil {
		return err
	}
	a.printf("%#x\n", ret)
	return nil
}

func cmdMRS(ctx context.Context, a *App, args []string) error {
	enc, err := sysreg.Parse(args[0])
	if err != nil {
		return err
	}
	v, err := a.sess.Invoker().MRS(ctx, enc)
	if err != nil {
		return err
	}
	a.printf("%s = %#x\n", sysreg.Name(enc), v)
	return nil
}

func cmdMSR(ctx context.Context, a *App, args []string) error {
	enc, err := sysreg.Parse(args[0])
	if err != nil {
		return err
	}
	v, err := parseU64(args[1])
	if err != nil {
		return err
	}
	return a.sess.Invoker().MSR(ctx, enc, v)
}

func cmdReload(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	fs.SetOutput(a.out)
	cmdline := fs.String("cmdline", "", "replace the boot arguments command line before jumping")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	vals, err := parseU64s(fs.Args())
	if err != nil {
		return err
	}
	if *cmdline != "" {
		ba := a.sess.BootArgs()
		ba.CmdLine = *cmdline
		if err := a.sess.PushBootArgs(ctx, ba); err != nil {
			return err
		}
	}
	if err := a.sess.Reload(ctx, vals[0], vals[1:]...); err != nil {
		return err
	}
	a.printf("reloaded at %#x, base now %#x, cmdline %q\n", vals[0], a.sess.Base(), a.sess.BootArgs().CmdLine)
	return nil
}

// cmdOp issues any catalog command by name or number.
func cmdOp(ctx context.Context, a *App, args []string) error {
	op, ok := proxy.Lookup(args[0])
	if !ok {
		v, err := parseU64(args[0])
		if err != nil {
			return fmt.Errorf("unknown proxy command %q", args[0])
		}
		op = proxy.Opcode(v)
	}
	vals, err := parseU64s(args[1:])
	if err != nil {
		return err
	}
	if op.Signed() {
		v, err := a.sess.Client().DoSigned(ctx, op, vals...)
		if err != nil {
			return err
		}
		a.printf("%s = %d\n", op, v)
		return nil
	}
	v, err := a.sess.Client().Do(ctx, op, vals...)
	if err != nil {
		return err
	}
	a.printf("%s = %#x\n", op, v)
	return nil
}

func cmdReboot(ctx context.Context, a *App, _ []string) error {
	if err := a.sess.Reboot(ctx); err != nil {
		return err
	}
	a.printf("target back, state=%s\n", a.sess.State())
	return nil
}

func cmdServe(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(a.out)
	path := fs.String("serve-config", "", "serve config file (toml)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg := config.DefaultServeConfig()
	if *path != "" {
		var err error
		if cfg, err = config.LoadServeConfig(*path); err != nil {
			return err
		}
	}
	srv := server.New(cfg, a.sess)
	logging.Infof("m1n1ctl serve name=%s addr=%s writes=%t", cfg.Name, cfg.Addr, cfg.AllowWrites)
	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func cmdConfig(_ context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(a.out)
	kind := fs.String("kind", "session", "config kind: session|serve")
	validate := fs.Bool("validate", false, "validate an existing config file")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 {
		return errUsage
	}
	path := fs.Arg(0)

	if *validate {
		var err error
		switch strings.ToLower(*kind) {
		case "session":
			_, err = loadSessionConfig(path, a.cfg)
		case "serve":
			_, err = config.LoadServeConfig(path)
		default:
			err = fmt.Errorf("unknown config kind: %s", *kind)
		}
		if err != nil {
			return err
		}
		a.printf("validated %s config at %s\n", *kind, path)
		return nil
	}

	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		return err
	}
	a.printf("wrote %s config template to %s\n", *kind, path)
	return nil
}
