/*
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package wheel implements a single-producer single-consumer queue of
// variable-sized messages in a fixed-size shared memory buffer, usable
// between processes with different virtual memory mappings and file
// descriptor tables.
//
// The queue state lives entirely inside the shared buffer. Slices are
// addressed by 32-bit offsets in 64-byte units relative to the buffer base,
// never by pointers, so both processes resolve them against their own
// mapping. Coordination is lock-free: a packed 64-bit head/last offset pair
// in the wheel header and a per-slice state word, all updated with atomic
// operations.
//
// Producer:
//   - Make finds a free slice of the requested size
//   - Share makes that slice visible to the consumer
//
// Consumer:
//   - Next returns the earliest shared slice without advancing
//   - Return frees the slice for reuse by Make
//
// Initialize the wheel header in shared memory in exactly one process with
// Init and Attach the same region in the other. For event-loop integration
// use InitNotified/AttachNotified instead, and give each process its own
// Handles: eventfds created in one process with CreateHandles, duplicated
// to the other (see package scm), and adopted there with HandlesFromFds.
package wheel
