// Package container extracts the named payloads of a cycler archive.
//
// Two encodings are recognised by their leading magic bytes:
//
// Zip archives (the .ndax style) carry TestInfo.xml, one data_<N>.ndc
// member per channel and an optional Step.xml. Member CRCs are verified.
//
// Single-file archives (the .nda style) start with "NEWARE\x00\x01"
// followed by a small entry table. See readRaw for the layout.
//
// Both are exposed under the same logical names: "descriptor",
// "records-channel-<N>" and "steps".
//
// Example usage:
//
//	a, err := container.Open("run-0042.ndax")
//	if err != nil {
//		return err
//	}
//	desc, err := a.Descriptor()
//	...
//	for _, ch := range a.Channels() {
//		payload, _ := a.Payload(container.ChannelPayload(ch))
//		...
//	}
package container
