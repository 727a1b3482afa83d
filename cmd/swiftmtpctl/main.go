// Command swiftmtpctl is a minimal human-operable entrypoint over the
// session engine: enumerate attached MTP devices, open the first one,
// and list the objects of one folder. It exists so the module has a real cmd/ surface to
// smoke-test with per the teacher's cmd/-adjacent convention (spec §1
// explicitly keeps the full CLI surface out of the core's scope).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/gousb"
	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/internal/config"
	"github.com/swiftmtp/swiftmtp/internal/logging"
	"github.com/swiftmtp/swiftmtp/internal/paths"
	"github.com/swiftmtp/swiftmtp/journal"
	"github.com/swiftmtp/swiftmtp/profile"
	"github.com/swiftmtp/swiftmtp/quirks"
	"github.com/swiftmtp/swiftmtp/session"
	"github.com/swiftmtp/swiftmtp/usbtransport"
)

func main() {
	listFlag := flag.Bool("list", false, "list attached MTP devices and exit")
	storage := flag.Uint("storage", 0, "storage id to browse")
	parent := flag.Uint("parent", 0, "parent object handle (0 = root)")
	flag.Parse()

	if err := config.ConfLoad(); err != nil {
		fmt.Fprintln(os.Stderr, "swiftmtpctl: config:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	summaries, err := usbtransport.Enumerate(usbCtx, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swiftmtpctl: enumerate:", err)
		os.Exit(1)
	}
	if *listFlag || len(summaries) == 0 {
		for _, s := range summaries {
			fmt.Println(s.String())
		}
		return
	}

	log := logging.Log
	if config.Conf.Debug {
		log.SetMask(logging.LogAll)
	} else {
		log.SetMask(logging.LogError | logging.LogInfo)
	}

	osFs := afero.NewOsFs()

	// MTP_STRICT runs the engine on baseline defaults alone: no quirk
	// entries, no learned profiles (spec §6, bring-up mode).
	var db *quirks.DB
	var profiles *profile.Store
	if !config.Conf.Strict {
		db, err = quirks.Load(osFs, config.Conf.QuirksPath, paths.QuirksDir())
		if err != nil {
			fmt.Fprintln(os.Stderr, "swiftmtpctl: quirks:", err)
		}
		profiles = profile.NewStore(osFs, paths.ProfilesDir())
	}
	journalStore := journal.NewStore(osFs, paths.JournalDir())

	target := summaries[0]
	sess := session.New(session.Config{
		Summary: target,
		Open: func(ctx context.Context) (usbtransport.Transport, error) {
			return usbtransport.Open(usbCtx, target, 1, 0)
		},
		QuirkDB:   db,
		Profiles:  profiles,
		Journal:   journalStore,
		Overrides: config.Conf.ToOverrides(),
		Log:       log,
	})
	defer sess.Close(ctx)

	if err := sess.Open(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "swiftmtpctl: open:", err)
		os.Exit(1)
	}

	objs, err := sess.List(ctx, uint32(*storage), uint32(*parent))
	if err != nil {
		fmt.Fprintln(os.Stderr, "swiftmtpctl: list:", err)
		os.Exit(1)
	}
	for _, o := range objs {
		fmt.Printf("%08x %10d %s\n", o.Handle, o.Size, o.Name)
	}
}
