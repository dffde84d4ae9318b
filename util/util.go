package util

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/cloudflare/cfssl/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
)

//使用速度最快的json工具
var FastestJson = jsoniter.ConfigCompatibleWithStandardLibrary

const compressLevel = 5

//计算hash值
func CalHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CalBlockHash hashes every block field except Hash itself.
func CalBlockHash(block meta.Block) string {
	record := strings.Join([]string{
		strconv.FormatUint(block.Index, 10),
		strconv.FormatInt(block.Timestamp, 10),
		block.ElectionID,
		block.CandidateID,
		block.VoterHash,
		block.PreviousHash,
		strconv.FormatUint(block.Nonce, 10),
	}, "|")
	h := sha256.New()
	h.Write([]byte(record))
	return hex.EncodeToString(h.Sum(nil))
}

// VoterHash is the pseudonym stored in place of a voter id.
func VoterHash(voterID string) string {
	return CalHash([]byte(voterID + commonconst.VoterSalt))
}

//判断文件或文件夹是否存在
func IsExist(path string) bool {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsExist(err) {
			return true
		}
		if os.IsNotExist(err) {
			return false
		}
		log.Info(err)
		return false
	}
	return true
}

//压缩
func Compress(in []byte) ([]byte, error) {
	out, err := zstd.CompressLevel(nil, in, compressLevel)
	if err != nil {
		return nil, errors.Wrap(err, "zstd compress")
	}
	return out, nil
}

//解压
func DeCompress(in []byte) ([]byte, error) {
	out, err := zstd.Decompress(nil, in)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}

//生成本节点的公私钥
func GetKeyPair() (prvkey, pubkey []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate rsa key")
	}
	prvkey = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	derPkix, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal public key")
	}
	pubkey = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derPkix,
	})
	return prvkey, pubkey, nil
}

// LoadOrCreateKeyPair reads a PEM private key from path, generating and
// saving one when the file does not exist.
func LoadOrCreateKeyPair(path string) (prvkey, pubkey []byte, err error) {
	if !IsExist(path) {
		prvkey, pubkey, err = GetKeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := ioutil.WriteFile(path, prvkey, 0600); err != nil {
			return nil, nil, errors.Wrapf(err, "write key file %s", path)
		}
		log.Infof("generated node key %s", path)
		return prvkey, pubkey, nil
	}
	prvkey, err = ioutil.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read key file %s", path)
	}
	privateKey, err := parsePrivateKey(prvkey)
	if err != nil {
		return nil, nil, err
	}
	derPkix, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal public key")
	}
	pubkey = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: derPkix})
	return prvkey, pubkey, nil
}

func parsePrivateKey(keyBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, errors.New("private key error")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return privateKey, nil
}

//数字签名
func Sign(data []byte, keyBytes []byte) ([]byte, error) {
	hashed := sha256.Sum256(data)
	privateKey, err := parsePrivateKey(keyBytes)
	if err != nil {
		return nil, err
	}
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return signature, nil
}

//签名验证
func VerifySign(data, signData, keyBytes []byte) bool {
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		log.Info("verify sign: public key error")
		return false
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		log.Info("verify sign: ", err)
		return false
	}
	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		log.Info("verify sign: not an rsa key")
		return false
	}
	hashed := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, hashed[:], signData); err != nil {
		log.Info("验签不通过！")
		return false
	}
	return true
}
