// Package progresspb contains the gRPC ingest protocol definition.
package progresspb

//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative progress.proto
