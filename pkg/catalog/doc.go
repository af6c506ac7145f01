/*
Package catalog stores and resolves schema objects: namespaces, tables,
views, ring buffers, subscriptions, primary keys, sumtypes, dictionaries
and flow definitions.

Objects are an arena of tagged records addressed by stable ids; references
resolve by id, never by pointer, and flow graphs are checked for reference
cycles with a set-based traversal at DDL time. Catalog writes go through
ordinary admin transactions and therefore emit CDC entries, which is how
the flow coordinator observes new flows.
*/
package catalog
