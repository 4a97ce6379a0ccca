/*
Package client talks to a zmigrate daemon from Go code and the CLI.

Two transports live here. Client wraps the JSON control API: migration
jobs, capability tokens, stats, stream endpoint discovery. StreamClient
speaks the token-gated wire protocol against a stream listener, either
downloading a snapshot stream under a send token or uploading one under
a receive token.

A typical replication hand-off between two daemons:

	ctl, _ := client.New("http://backup-host:8044", token)
	issued, _ := ctl.CreateReceiveToken(ctx, client.TokenRequest{
		Dataset: "backup/data",
	})

	sc := client.StreamClient{Addr: issued.Stream.TCP}
	_, err := sc.Upload(ctx, issued.ID, snapshotStream)

Control API failures decode into APIError, which unwraps onto the
shared error taxonomy so errors.Is works across the wire.
*/
package client
