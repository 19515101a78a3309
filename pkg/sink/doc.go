// Package sink provides record.Sink implementations: a console printer, an
// in-memory transcript, an S3 uploader and an MQTT publisher.
//
// Sinks are combined with record.Multi:
//
//	transcript := sink.NewTranscript()
//	s := record.Multi{
//	    sink.NewPrinter(os.Stdout),
//	    sink.NewS3Sink(s3.NewFromConfig(awsCfg), transcript, sink.S3Options{Bucket: "bench-results"}),
//	}
package sink
