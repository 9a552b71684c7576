// Package graph implements the Unit graph: typed nodes, typed
// edges with automatically maintained mirrors, lookup by canonical name or
// alias, template instantiation, merging of alias stubs into their
// canonical unit, and garbage collection.
//
// The index is an in-memory adjacency structure mutated through small,
// named methods, deliberately avoiding raw pointer cycles: edges are
// string-keyed indices into a map, never Go pointers to other Unit values,
// which also makes the whole graph trivially walkable for serialization.
package graph
