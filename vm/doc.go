// Package vm implements the OMG virtual machine.
//
// This package contains:
//   - Tagged value representation with reference-shared containers
//   - The .omgb image container, loader and two-pass verifier
//   - Bytecode interpreter with tail-call elision
//   - Block-stack exception handling and unwinding
//   - The builtin function catalogue and file-handle table
package vm
