package signature

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"engagement-pricer/internal/contribution"
	"engagement-pricer/internal/ledger"
)

type checkerFunc func(payload []byte, signature, author string) (bool, error)

func (f checkerFunc) VerifySignature(payload []byte, signature, author string) (bool, error) {
	return f(payload, signature, author)
}

var ledgerChecker = checkerFunc(ledger.VerifySignature)

func signedContribution(t *testing.T, key *ecdsa.PrivateKey, ref, body string) contribution.Contribution {
	t.Helper()
	author := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	unsigned := fmt.Sprintf(`{"author":%q,%s}`, author, body)

	canonical, err := CanonicalPayload([]byte(unsigned))
	if err != nil {
		t.Fatalf("规范化失败: %v", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(canonical), key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	raw := fmt.Sprintf(`{"signature":%q,"author":%q,%s}`, hexutil.Encode(sig), author, body)

	c, err := contribution.Decode(ref, []byte(raw))
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	return c
}

func TestCanonicalPayloadStripsAndSorts(t *testing.T) {
	a, err := CanonicalPayload([]byte(`{"b":1,"signature":"0x1","a":{"y":2,"x":1.50},"content_ref":"r"}`))
	if err != nil {
		t.Fatalf("规范化失败: %v", err)
	}
	b, err := CanonicalPayload([]byte(`{"a":{"x":1.50,"y":2},"b":1}`))
	if err != nil {
		t.Fatalf("规范化失败: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("键顺序不应影响结果: %s vs %s", a, b)
	}
	if string(a) != `{"a":{"x":1.50,"y":2},"b":1}` {
		t.Fatalf("规范化输出不正确: %s", a)
	}

	if _, err := CanonicalPayload([]byte(`[1,2]`)); err == nil {
		t.Fatal("非对象应报错")
	}
}

func TestVerifyAcceptsAndRejects(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	other, _ := ethcrypto.GenerateKey()
	v := New(ledgerChecker, Options{}, zerolog.Nop())

	good := signedContribution(t, key, "ref-good", `"asset_id":"a1","engagement_type":"stake","payload":{"amount":3},"timestamp":1700000000000`)
	if !v.Verify(good) {
		t.Fatal("合法签名应通过")
	}

	forged := good
	forged.Author = ethcrypto.PubkeyToAddress(other.PublicKey).Hex()
	if v.Verify(forged) {
		t.Fatal("作者不匹配应拒绝")
	}

	missing := good
	missing.Signature = ""
	if v.Verify(missing) {
		t.Fatal("缺少签名应拒绝")
	}

	malformed := good
	malformed.Signature = "0xdeadbeef"
	if v.Verify(malformed) {
		t.Fatal("格式错误的签名应拒绝而不是报错")
	}
}

func TestVerifyAllCountsRejected(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	v := New(ledgerChecker, Options{Concurrency: 2}, zerolog.Nop())

	var input []contribution.Contribution
	for i := 0; i < 6; i++ {
		c := signedContribution(t, key, fmt.Sprintf("ref-%d", i), fmt.Sprintf(`"asset_id":"a1","engagement_type":"stake","payload":{"amount":%d},"timestamp":1700000000000`, i+1))
		if i%3 == 0 {
			c.Signature = ""
		}
		input = append(input, c)
	}

	verified, rejected := v.VerifyAll(context.Background(), input)
	if rejected != 2 || len(verified) != 4 {
		t.Fatalf("应拒绝 2 条, 实际 verified=%d rejected=%d", len(verified), rejected)
	}
	if verified[0].ContentRef != input[1].ContentRef || verified[3].ContentRef != input[5].ContentRef {
		t.Fatal("验证结果应保持输入顺序")
	}

	none, rejected := v.VerifyAll(context.Background(), nil)
	if none != nil || rejected != 0 {
		t.Fatal("空输入应返回空结果")
	}
}
