/*
Copyright 2026 The Demokeep Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The demokeepd daemon archives Discord channels and renders DeFRaG
// demos posted to them.
package main // import "demokeep.org/cmd/demokeepd"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"demokeep.org/pkg/bot"
)

const version = "0.10.0"

var (
	flagVersion = flag.Bool("version", false, "show version and exit")
	flagConfig  = flag.String("configfile", "demokeep-config.json", "path to the configuration file")
)

func main() {
	flag.Parse()
	if *flagVersion {
		fmt.Fprintf(os.Stderr, "demokeepd version: %s\n", version)
		return
	}
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	conf, err := bot.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("demokeepd: reading config %s: %v", *flagConfig, err)
	}

	// Everything logged also lands in {STATE}/errors.log for
	// post-mortems of unattended runs.
	errorsLog, err := os.OpenFile(filepath.Join(conf.StateDir, "errors.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("demokeepd: opening errors.log: %v", err)
	}
	defer errorsLog.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, errorsLog))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("demokeepd version %s starting", version)
	err = bot.New(conf).Run(ctx)
	if err == nil {
		return
	}
	log.Printf("demokeepd: %v", err)
	var ee *bot.ExitError
	if errors.As(err, &ee) {
		os.Exit(ee.Code)
	}
	os.Exit(1)
}
