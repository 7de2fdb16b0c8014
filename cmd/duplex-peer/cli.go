package main

import "flag"

// Options holds CLI options for the peer.
type Options struct {
	ConfigPath string
	Serve      bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("duplex-peer", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.Serve, "serve", false, "Listen for peers instead of dialing")
	_ = fs.Parse(args)
	return opts
}
