// Package config provides configuration parsing for wavebench runs.
//
// The configuration is stored in wavebench.json. Every value can also be set
// from the command line; flags override the file.
//
// # Configuration File Structure
//
//	{
//	  "host": "bench-driver.internal",
//	  "port": 8888,
//	  "mode": "scale:read:2:5:2",
//	  "rendezvous": {
//	    "barrierTimeout": "2m"
//	  },
//	  "logs": {
//	    "quiet": false,
//	    "quieter": false
//	  },
//	  "invoke": {
//	    "local": true,
//	    "command": ["./storage_bench", "s3", "/tmp/s3.conf", "/tmp/s3", "sweep"]
//	  },
//	  "monitor": {
//	    "enabled": true,
//	    "address": ":9090"
//	  },
//	  "sinks": {
//	    "s3": {"bucket": "bench-results", "prefix": "runs/"},
//	    "mqtt": {"broker": "tcp://localhost:1883", "topic": "wavebench/events"}
//	  }
//	}
//
// The log server listens on port and the rendezvous server on port+1 unless
// rendezvous.port is set.
//
// # Modes
//
// A plain mode name runs a single worker released immediately. A scale mode
// has the form scale:<mode>:<workersPerWave>:<periodSeconds>:<waveCount> and
// runs workersPerWave*waveCount workers released in waveCount waves spaced
// periodSeconds apart.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	plan, err := cfg.Resolve()
package config
