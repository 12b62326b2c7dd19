package publish

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const worktreeName = ".gh-pages-worktree"

// PagesPublisher commits a generated report to a GitHub Pages branch
type PagesPublisher struct {
	RepoPath string
	Branch   string
	// Remote to push to. Empty skips pushing.
	Remote      string
	AuthorName  string
	AuthorEmail string
	Timeout     time.Duration
	Debug       bool
}

// Publish replaces the branch content with reportDir and pushes it.
// It returns false when the report is unchanged.
func (p *PagesPublisher) Publish(ctx context.Context, reportDir string) (bool, error) {
	if _, err := os.Stat(reportDir); err != nil {
		return false, fmt.Errorf("report dir: %w", err)
	}
	if err := p.ensureBranch(ctx); err != nil {
		return false, err
	}

	wtPath := filepath.Join(p.RepoPath, worktreeName)
	if err := p.addWorktree(ctx, wtPath); err != nil {
		return false, err
	}
	defer p.removeWorktree(wtPath)

	if err := clearExceptGit(wtPath); err != nil {
		return false, fmt.Errorf("cleaning worktree: %w", err)
	}
	if err := copyDir(reportDir, wtPath); err != nil {
		return false, fmt.Errorf("copying report: %w", err)
	}

	if _, err := p.git(ctx, wtPath, "add", "."); err != nil {
		return false, err
	}
	// exit status 0 means nothing is staged
	if _, err := p.git(ctx, wtPath, "diff", "--cached", "--quiet"); err == nil {
		log.Printf("[publish] report unchanged, nothing to commit")
		return false, nil
	}

	msg := "Update Allure report - " + time.Now().Format("2006-01-02 15:04:05")
	if _, err := p.git(ctx, wtPath, "commit", "-m", msg, "--no-verify"); err != nil {
		return false, err
	}
	if p.Remote != "" {
		if _, err := p.git(ctx, wtPath, "push", p.Remote, p.Branch); err != nil {
			return false, err
		}
	}
	log.Printf("[publish] report committed to %s", p.Branch)
	return true, nil
}

func (p *PagesPublisher) ensureBranch(ctx context.Context) error {
	if _, err := p.git(ctx, p.RepoPath, "rev-parse", "--verify", "--quiet", p.Branch); err == nil {
		return nil
	}

	if p.Remote != "" {
		remoteRef := p.Remote + "/" + p.Branch
		if _, err := p.git(ctx, p.RepoPath, "rev-parse", "--verify", "--quiet", remoteRef); err == nil {
			_, err := p.git(ctx, p.RepoPath, "branch", p.Branch, remoteRef)
			return err
		}
	}

	log.Printf("[publish] creating orphan branch %s", p.Branch)
	tmp, err := os.MkdirTemp("", "gh-pages-init-")
	if err != nil {
		return err
	}
	os.Remove(tmp)
	if _, err := p.git(ctx, p.RepoPath, "worktree", "add", "--detach", tmp); err != nil {
		return err
	}
	defer p.removeWorktree(tmp)

	steps := [][]string{
		{"checkout", "--orphan", p.Branch},
		{"rm", "-rf", "--quiet", "--ignore-unmatch", "."},
	}
	for _, args := range steps {
		if _, err := p.git(ctx, tmp, args...); err != nil {
			return err
		}
	}
	placeholder := "<html><body><h1>Test reports</h1></body></html>\n"
	if err := os.WriteFile(filepath.Join(tmp, "index.html"), []byte(placeholder), 0644); err != nil {
		return err
	}
	if _, err := p.git(ctx, tmp, "add", "index.html"); err != nil {
		return err
	}
	if _, err := p.git(ctx, tmp, "commit", "-m", "Initial "+p.Branch, "--no-verify"); err != nil {
		return err
	}
	if p.Remote != "" {
		if _, err := p.git(ctx, tmp, "push", p.Remote, p.Branch); err != nil {
			return err
		}
	}
	return nil
}

func (p *PagesPublisher) addWorktree(ctx context.Context, wtPath string) error {
	if _, err := os.Stat(wtPath); err == nil {
		p.removeWorktree(wtPath)
	}
	_, err := p.git(ctx, p.RepoPath, "worktree", "add", wtPath, p.Branch)
	return err
}

func (p *PagesPublisher) removeWorktree(wtPath string) {
	cmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = p.RepoPath
	cmd.Run() // Best effort
	os.RemoveAll(wtPath)
	prune := exec.Command("git", "worktree", "prune")
	prune.Dir = p.RepoPath
	prune.Run()
}

func (p *PagesPublisher) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if p.AuthorName != "" {
		cmd.Env = append(cmd.Env, "GIT_AUTHOR_NAME="+p.AuthorName, "GIT_COMMITTER_NAME="+p.AuthorName)
	}
	if p.AuthorEmail != "" {
		cmd.Env = append(cmd.Env, "GIT_AUTHOR_EMAIL="+p.AuthorEmail, "GIT_COMMITTER_EMAIL="+p.AuthorEmail)
	}

	if p.Debug {
		log.Printf("[publish] git %v (in %s)", args, dir)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", args[0], out, err)
	}
	return out, nil
}

func clearExceptGit(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
