package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	jwtpkg "formrelay/backend/internal/auth/jwt"
	"formrelay/backend/internal/config"
	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
	"formrelay/backend/internal/storage/postgres"
)

const usage = `用法:
  account create <email>                 创建账户（登录邮箱自动成为已验证地址）
  account add-email <email> <address>    为账户添加已验证邮箱
  account upgrade <email>                升级账户
  account downgrade <email>              取消升级
  account token <email>                  签发控制台访问令牌`

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Fprintln(os.Stderr, "错误: 需要配置 FORMRELAY_DATABASE_TYPE 和 FORMRELAY_DATABASE_DSN")
		os.Exit(1)
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 无法连接数据库: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, store, jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry), args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, store storage.AccountRepository, tokens *jwtpkg.Manager, args []string) error {
	email, err := domain.NormalizeEmail(args[1])
	if err != nil {
		return fmt.Errorf("无效的邮箱 %q: %w", args[1], err)
	}

	switch args[0] {
	case "create":
		account := &domain.Account{Email: email}
		if err := store.CreateAccount(ctx, account); err != nil {
			return err
		}
		if err := store.AddAccountEmail(ctx, &domain.AccountEmail{Address: email, AccountID: account.ID, Verified: true}); err != nil {
			return err
		}
		fmt.Printf("✓ 账户已创建: id=%d email=%s\n", account.ID, email)

	case "add-email":
		if len(args) < 3 {
			return errors.New("缺少要添加的邮箱")
		}
		address, err := domain.NormalizeEmail(args[2])
		if err != nil {
			return fmt.Errorf("无效的邮箱 %q: %w", args[2], err)
		}
		account, err := store.GetAccountByEmail(ctx, email)
		if err != nil {
			return err
		}
		if err := store.AddAccountEmail(ctx, &domain.AccountEmail{Address: address, AccountID: account.ID, Verified: true}); err != nil {
			return err
		}
		fmt.Printf("✓ 已为 %s 添加邮箱 %s\n", email, address)

	case "upgrade", "downgrade":
		account, err := store.GetAccountByEmail(ctx, email)
		if err != nil {
			return err
		}
		upgraded := args[0] == "upgrade"
		if err := store.SetUpgraded(ctx, account.ID, upgraded); err != nil {
			return err
		}
		fmt.Printf("✓ %s upgraded=%t\n", email, upgraded)

	case "token":
		account, err := store.GetAccountByEmail(ctx, email)
		if err != nil {
			return err
		}
		token, expiresAt, err := tokens.GenerateToken(account.ID, account.Email)
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "有效期至 %s\n", expiresAt.Format(time.RFC3339))

	default:
		return fmt.Errorf("未知命令 %q\n%s", args[0], usage)
	}
	return nil
}
