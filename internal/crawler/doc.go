// Package crawler holds the event model, job results, error taxonomy, and the
// interfaces (fetcher, store, blob store, publisher, AI extractor, retry
// policy) shared by the ingestion pipeline, along with the retry and
// politeness policies every fetch path uses.
package crawler
