package main

import (
	"fmt"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
	"dsvn/pkg/replication"
	"dsvn/pkg/revstore"
	"dsvn/pkg/syncserver"
)

func runInit(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	fmt.Printf("initialized repository at %s (uuid %s)\n", repo.Root, repo.UUID)
}

func runAdd(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	data, err := os.ReadFile(*addFile)
	if err != nil {
		kingpin.Fatalf("reading %s: %v", *addFile, err)
	}
	if err := repo.AddFile(*addPath, data, *addExec); err != nil {
		kingpin.Fatalf("staging %s: %v", *addPath, err)
	}
}

func runMkdir(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	if err := repo.Mkdir(*mkdirPath); err != nil {
		kingpin.Fatalf("staging mkdir %s: %v", *mkdirPath, err)
	}
}

func runRm(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	if err := repo.Delete(*rmPath); err != nil {
		kingpin.Fatalf("staging delete %s: %v", *rmPath, err)
	}
}

func runCommit(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	_, offset := time.Now().Zone()
	rev, err := repo.Commit(*commitAuthor, *commitMsg, time.Now().Unix(), int32(offset/60))
	if err != nil {
		kingpin.Fatalf("commit: %v", err)
	}
	fmt.Printf("committed r%d\n", rev)
}

func runCat(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	rev := *catRev
	if rev == 0 {
		head, err := repo.Revs.HeadRev()
		if err != nil {
			kingpin.Fatalf("reading head: %v", err)
		}
		rev = head
	}
	data, err := repo.GetFile(rev, *catPath)
	if err != nil {
		kingpin.Fatalf("cat %s@%d: %v", *catPath, rev, err)
	}
	os.Stdout.Write(data)
}

func runDump(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	to := *dumpTo
	if to == 0 {
		head, err := repo.Revs.HeadRev()
		if err != nil {
			kingpin.Fatalf("reading head: %v", err)
		}
		to = head
	}
	if err := repo.EmitDump(os.Stdout, *dumpFrom, to, 3, *dumpIncr); err != nil {
		kingpin.Fatalf("dump: %v", err)
	}
}

func runLoad(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	uuid, err := repo.LoadDump(os.Stdin)
	if err != nil {
		kingpin.Fatalf("load: %v", err)
	}
	fmt.Printf("loaded dump stream (source uuid %s)\n", uuid)
}

func runSyncInit(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	client := syncserver.NewHTTPClient(*syncSourceURL)
	state, err := repo.InitSync(client, *syncSourceURL)
	if err != nil {
		kingpin.Fatalf("sync-init: %v", err)
	}
	fmt.Printf("bound to source %s (uuid %s, head r%d)\n", state.SourceURL, state.SourceUUID, state.SourceHeadRev)
}

func runPull(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()
	state, err := replication.LoadSyncState(repo.Root)
	if err != nil {
		kingpin.Fatalf("pull: %v", err)
	}
	if state == nil {
		kingpin.Fatalf("pull: repository is not bound to a source; run sync-init first")
	}
	client := syncserver.NewHTTPClient(state.SourceURL)
	result, err := repo.Pull(client)
	if err == replication.ErrUpToDate {
		fmt.Println("already up to date")
		return
	}
	if err != nil {
		kingpin.Fatalf("pull: %v", err)
	}
	fmt.Printf("pulled r%d..r%d (%s objects, %s, %s)\n",
		result.FromRev, result.ToRev,
		humanize.Comma(int64(result.ObjectsTransferred)),
		humanize.Bytes(result.BytesTransferred),
		(time.Duration(result.DurationMs) * time.Millisecond).String())
}

// runVerify walks every committed revision checking that each commit's
// tree_id resolves to a well-formed Tree or DeltaTree encoding and that
// every blob its deltas reference is present in the object store. With
// --fetch-missing, missing objects are fetched from the bound sync source
// through the replication engine's FetchObjects repair path.
func runVerify(entry *logrus.Entry) {
	repo := mustOpen(entry)
	defer repo.Close()

	head, err := repo.Revs.HeadRev()
	if err != nil {
		kingpin.Fatalf("verify: reading head: %v", err)
	}

	var missing []objid.ObjectId
	var corrupt int
	for rev := uint64(1); rev <= head; rev++ {
		commit, err := repo.Revs.GetCommit(rev)
		if err != nil {
			kingpin.Fatalf("verify: loading commit %d: %v", rev, err)
		}

		raw, err := repo.Objs.Get(commit.TreeId)
		switch {
		case err != nil:
			missing = append(missing, commit.TreeId)
		case revstore.ObjectIdOfRaw(raw) != commit.TreeId:
			corrupt++
			fmt.Fprintf(os.Stderr, "r%d: tree_id %s does not match its stored object's digest\n", rev, commit.TreeId)
		default:
			if isTree, isDelta := revstore.ResolveTreeId(raw); !isTree && !isDelta {
				corrupt++
				fmt.Fprintf(os.Stderr, "r%d: tree_id %s is neither a Tree nor a DeltaTree encoding\n", rev, commit.TreeId)
			}
		}

		delta, err := repo.Revs.GetDeltaTree(rev)
		if err != nil {
			kingpin.Fatalf("verify: loading delta %d: %v", rev, err)
		}
		for _, change := range delta.Changes {
			if change.Kind != objects.ChangeUpsert || change.Entry.Kind != objects.KindBlob {
				continue
			}
			if !repo.Objs.Has(change.Entry.Id) {
				missing = append(missing, change.Entry.Id)
			}
		}
	}

	if corrupt > 0 {
		fmt.Fprintf(os.Stderr, "verify: %d corrupt tree_id reference(s)\n", corrupt)
	}

	if len(missing) == 0 {
		fmt.Println("verify: no missing objects")
		if corrupt > 0 {
			os.Exit(1)
		}
		return
	}
	fmt.Printf("verify: %d missing object(s)\n", len(missing))

	if !*verifyFetchMissing {
		os.Exit(1)
	}

	state, err := replication.LoadSyncState(repo.Root)
	if err != nil {
		kingpin.Fatalf("verify: %v", err)
	}
	if state == nil {
		kingpin.Fatalf("verify: repository is not bound to a source; run sync-init first")
	}
	client := syncserver.NewHTTPClient(state.SourceURL)
	if err := repo.Repl.FetchObjects(client, missing); err != nil {
		kingpin.Fatalf("verify: fetch-missing: %v", err)
	}
	fmt.Println("verify: fetched missing objects from source")
}
