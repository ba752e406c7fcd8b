// Copyright 2017 The Heaps Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build trace

package mcheap

const trace = true
