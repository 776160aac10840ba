/*
Package dataveil is a deterministic data masking engine for copying
production database content into QA environments without exposing real
personal data.

The engine receives rows tagged with their table name, transforms the
columns a masking policy declares sensitive, and returns the masked
rows together with an auditable trail of every decision. Database
connectivity, credentials and job scheduling stay with the embedding
application; the pipeline subpackage provides a coordinator for the
common prod-to-QA copy shape, with PostgreSQL and SQLite backends in
pgstore and sqlitestore.

Masking is deterministic with referential integrity: a token vault
pins the first masked value generated for each (field, original value)
pair, so the same source value resolves to the same masked value
across tables, runs and concurrent workers, for as long as the vault's
backing store persists. The vault stores only one-way fingerprints,
never the originals, so masking cannot be reversed.

An example policy file

A toml file describes the tables and columns to mask. For each table,
an array of rules names a strategy and the columns it governs:

	[["public.customers"]]
	columns = ["email", "full_name"]
	strategy = "tokenize"
	salt = "customers-v1"

	[["public.customers"]]
	columns = ["ssn"]
	strategy = "redact"
	placeholder = "***-**-****"

	[["public.customers"]]
	columns = ["phone"]
	strategy = "hash"
	alphabet = "digits"
	length = 10

	[["public.orders"]]
	columns = ["customer_id"]
	strategy = "uuid"

Strategies

Six strategies are built in: "hash" (one-way digest, optionally
truncated and re-encoded to digits or alphanumerics), "tokenize"
(format-preserving: output keeps the input's length and per-position
character class), "redact" (fixed placeholder or star fill, never
reversible), "passthrough" (explicitly non-sensitive columns),
"synthetic" (deterministic pick from a wordlist) and "uuid" (random
token pinned by the vault). Custom strategies register by name on the
Registry.

Putting it together

	settings, err := dataveil.LoadSettingsFile("masking.toml")
	// handle err
	policy, err := dataveil.Compile(settings, dataveil.NewRegistry())
	// handle err
	vault := dataveil.NewVault(store, secret)
	recorder := dataveil.NewRecorder(sink)
	transformer := dataveil.NewTransformer(policy, dataveil.NewMasker(policy, vault, recorder))

	masked, err := transformer.Transform(ctx, row)

Rows that fail masking are returned as a *RowMaskingError and must not
be written to the destination; partially masked rows are never
forwarded.
*/
package dataveil
