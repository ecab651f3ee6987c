/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package stats collects counters from the protocol engines and exposes
// them to monitoring.
package stats

// Stats is a metric collection interface fed by the engines.
type Stats interface {
	// SNTP client
	IncSNTPRequests()
	IncSNTPResponses()
	IncSNTPBadPackets()
	IncSNTPKissOfDeath()

	// TFTP server
	IncTFTPPackets()
	IncTFTPTransfersOpened()
	IncTFTPTransfersClosed()
	IncTFTPRetransmits()
	IncTFTPErrorsSent()
}

// Nop is a Stats that discards everything.
type Nop struct{}

// NewNop returns a no-op Stats implementation.
func NewNop() *Nop {
	return &Nop{}
}

// IncSNTPRequests does nothing
func (*Nop) IncSNTPRequests() {}

// IncSNTPResponses does nothing
func (*Nop) IncSNTPResponses() {}

// IncSNTPBadPackets does nothing
func (*Nop) IncSNTPBadPackets() {}

// IncSNTPKissOfDeath does nothing
func (*Nop) IncSNTPKissOfDeath() {}

// IncTFTPPackets does nothing
func (*Nop) IncTFTPPackets() {}

// IncTFTPTransfersOpened does nothing
func (*Nop) IncTFTPTransfersOpened() {}

// IncTFTPTransfersClosed does nothing
func (*Nop) IncTFTPTransfersClosed() {}

// IncTFTPRetransmits does nothing
func (*Nop) IncTFTPRetransmits() {}

// IncTFTPErrorsSent does nothing
func (*Nop) IncTFTPErrorsSent() {}
