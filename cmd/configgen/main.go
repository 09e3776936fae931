package main

import (
	"flag"
	"log"
	"os"

	"github.com/danmuck/bacbridge/internal/config"
)

func main() {
	output := flag.String("output", "cmd/bacbridge/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/bacbridge/config.toml", "config path for validation")
	render := flag.Bool("render", false, "print the effective config of -input with defaults applied")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate || *render {
		cfg, err := config.LoadBridgeConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		if *render {
			data, err := config.Render(cfg)
			if err != nil {
				log.Fatal(err)
			}
			_, _ = os.Stdout.Write(data)
			return
		}
		log.Printf("Validated bridge config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote bridge config template to %s", *output)
}
