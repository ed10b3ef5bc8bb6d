// Package caffe provides the Caffe NetParameter model: prototxt topologies and
// binary .caffemodel payloads.
//
// The package carries its own message definitions for the subset of caffe.proto
// the tool understands, a protobuf wire codec built on protowire, and a text
// format codec compatible with the prototxt files Caffe reads and writes.
//
// Key components:
//   - Net: NetParameter, the ordered list of layers plus net-level inputs
//   - Layer: LayerParameter with its typed *_param messages and parameter blobs
//   - Blob: BlobProto, a shaped float32 buffer
//   - BlobShape: dimension list of a blob
//
// Field numbers follow caffe.proto wherever the message exists there, so models
// produced here load in Caffe and models produced by Caffe decode here (fields
// outside the supported subset are skipped on decode).
//
// Example usage:
//
//	// Load a topology and print its layers
//	net, err := caffe.LoadTopology("deploy.prototxt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for i := range net.Layers {
//	    fmt.Printf("%s (%s) blobs=%d\n", net.Layers[i].Name, net.Layers[i].Type, len(net.Layers[i].Blobs))
//	}
//
//	// Write the binary model
//	if err := caffe.WriteFile("model.caffemodel", net); err != nil {
//	    log.Fatal(err)
//	}
package caffe
