// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fuse defines the vocabulary that file system implementations are
// built against: a Connection abstraction that delivers fuseops.Op values to
// be serviced, and a Server interface that consumes them.
//
// The primary elements of interest are:
//
//  *  fuseops.Op and its concrete variants, which describe the operations a
//     file system must be able to serve.
//
//  *  fuseutil.FileSystem, the method-call interface that a file system
//     implements, and fuseutil.NewFileSystemServer, which adapts one to the
//     Server interface below.
//
//  *  Connection and Server, which describe how ops flow from whatever is
//     feeding the file system (a real kernel mount, or an in-process test
//     harness) to the code that answers them.
//
// This package does not itself talk to the host kernel's mount machinery.
// cmd/mount.ovlfs either invokes the system mount binary or, with
// --internal-mount, serves the overlay in-process over a ChannelTransport.
package fuse
